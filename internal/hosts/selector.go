package hosts

import (
	"math/rand/v2"
	"sync"

	"github.com/sheerbytes/chunkget/pkg/hash"
)

// Selector ranks the hosts that may hold a hash.
type Selector struct {
	Table Table
	// AllowList names hosts to try even when they do not advertise the hash.
	AllowList []string
	// UseUnspecified lets hosts outside AllowList be used.
	UseUnspecified bool
	// Rand shuffles buckets; nil uses a shared source.
	Rand *rand.Rand

	mu sync.Mutex
}

// CandidatesFor returns hosts in the order they should be tried:
// online readable hosts covering h (writable first), then allow-listed
// hosts (writable first), then hosts only reachable by external URL.
// Each group is shuffled. The result may be empty.
func (s *Selector) CandidatesFor(h hash.Hash) []string {
	if s.Table == nil {
		return nil
	}
	snap := s.Table.Snapshot()
	byHost := make(map[string]Status, len(snap))
	for _, st := range snap {
		byHost[st.Host] = st
	}

	seen := make(map[string]bool)
	var aw, ar, bw, br, c []string

	if s.UseUnspecified {
		for _, st := range snap {
			if !st.Online || !st.Readable || st.ExternalURL() || !st.Covers(h) {
				continue
			}
			seen[st.Host] = true
			if st.Writable {
				aw = append(aw, st.Host)
			} else {
				ar = append(ar, st.Host)
			}
		}
	}

	for _, host := range s.AllowList {
		if seen[host] {
			continue
		}
		st, known := byHost[host]
		if known && st.ExternalURL() {
			continue
		}
		seen[host] = true
		if known && st.Writable {
			bw = append(bw, host)
		} else {
			br = append(br, host)
		}
	}

	for _, st := range snap {
		if seen[st.Host] || !st.ExternalURL() {
			continue
		}
		seen[st.Host] = true
		c = append(c, st.Host)
	}

	s.shuffle(aw)
	s.shuffle(ar)
	s.shuffle(bw)
	s.shuffle(br)
	s.shuffle(c)

	out := make([]string, 0, len(aw)+len(ar)+len(bw)+len(br)+len(c))
	out = append(out, aw...)
	out = append(out, ar...)
	out = append(out, bw...)
	out = append(out, br...)
	return append(out, c...)
}

func (s *Selector) shuffle(hosts []string) {
	if len(hosts) < 2 {
		return
	}
	swap := func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] }
	if s.Rand == nil {
		rand.Shuffle(len(hosts), swap)
		return
	}
	s.mu.Lock()
	s.Rand.Shuffle(len(hosts), swap)
	s.mu.Unlock()
}
