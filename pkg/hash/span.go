package hash

import "fmt"

// Span is an inclusive range of the hash keyspace a host claims to store.
type Span struct {
	First Hash `yaml:"first" json:"first"`
	Last  Hash `yaml:"last" json:"last"`
}

// FullSpan covers every possible hash.
func FullSpan() Span {
	var last Hash
	for i := range last {
		last[i] = 0xFF
	}
	return Span{First: Zero, Last: last}
}

// Contains reports whether h falls within the span.
func (s Span) Contains(h Hash) bool {
	return s.First.Compare(h) <= 0 && h.Compare(s.Last) <= 0
}

// Valid reports whether First does not sort after Last.
func (s Span) Valid() bool {
	return s.First.Compare(s.Last) <= 0
}

func (s Span) String() string {
	return fmt.Sprintf("[%s..%s]", s.First.Short(), s.Last.Short())
}

// AnyContains reports whether any span in spans contains h.
func AnyContains(spans []Span, h Hash) bool {
	for _, s := range spans {
		if s.Contains(h) {
			return true
		}
	}
	return false
}
