package fetch

import "sync"

// Batcher accumulates items per host until a count cap or byte threshold
// is reached.
type Batcher[T any] struct {
	// MaxItems is the hard cap on items per batch; values below 1 mean 1.
	MaxItems int
	// MaxBytes flushes a batch once its size exceeds this; 0 disables it.
	MaxBytes uint64

	mu      sync.Mutex
	pending map[string]*hostBatch[T]
	order   []string
}

type hostBatch[T any] struct {
	items []T
	bytes uint64
}

// NewBatcher returns a Batcher with the given limits.
func NewBatcher[T any](maxItems int, maxBytes uint64) *Batcher[T] {
	return &Batcher[T]{MaxItems: maxItems, MaxBytes: maxBytes}
}

func (b *Batcher[T]) limit() int {
	if b.MaxItems < 1 {
		return 1
	}
	return b.MaxItems
}

// Add queues item for host. When the host's batch becomes full it is
// removed and returned for flushing; otherwise Add returns nil.
func (b *Batcher[T]) Add(host string, item T, size uint64) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = make(map[string]*hostBatch[T])
	}
	hb, ok := b.pending[host]
	if !ok {
		hb = &hostBatch[T]{}
		b.pending[host] = hb
		b.order = append(b.order, host)
	}
	hb.items = append(hb.items, item)
	hb.bytes += size
	if len(hb.items) >= b.limit() || (b.MaxBytes > 0 && hb.bytes > b.MaxBytes) {
		b.removeLocked(host)
		return hb.items
	}
	return nil
}

func (b *Batcher[T]) removeLocked(host string) {
	delete(b.pending, host)
	for i, h := range b.order {
		if h == host {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Flush is one host's drained batch.
type Flush[T any] struct {
	Host  string
	Items []T
}

// TakeAll drains every partial batch, oldest host first.
func (b *Batcher[T]) TakeAll() []Flush[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Flush[T], 0, len(b.order))
	for _, h := range b.order {
		out = append(out, Flush[T]{Host: h, Items: b.pending[h].items})
	}
	b.pending = nil
	b.order = nil
	return out
}

// Len returns the number of queued items across hosts.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hb := range b.pending {
		n += len(hb.items)
	}
	return n
}
