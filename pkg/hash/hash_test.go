package hash

import (
	"bytes"
	"testing"
)

func TestSumCarriesLength(t *testing.T) {
	data := []byte("hello chunk")
	h := Sum(data)
	if h.Length() != uint64(len(data)) {
		t.Fatalf("expected length %d, got %d", len(data), h.Length())
	}
	if h != Sum(data) {
		t.Fatalf("Sum is not deterministic")
	}
	if h == Sum([]byte("hello chunk!")) {
		t.Fatalf("different content produced equal hashes")
	}
}

func TestHasherMatchesSum(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 10000)
	w := NewHasher()
	w.Write(data[:7])
	w.Write(data[7:])
	if w.Sum() != Sum(data) {
		t.Fatalf("incremental hash differs from Sum")
	}
	got, err := SumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SumReader: %v", err)
	}
	if got != Sum(data) {
		t.Fatalf("SumReader differs from Sum")
	}
}

func TestParseRoundTrip(t *testing.T) {
	h := Sum([]byte("x"))
	parsed, err := Parse(h.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != h {
		t.Fatalf("parsed hash differs")
	}
	if _, err := Parse("zz"); err == nil {
		t.Fatalf("expected error for bad hex")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Fatalf("expected error for short hash")
	}
}

func TestSpanContains(t *testing.T) {
	lo := Sum([]byte("a"))
	hi := Sum([]byte("b"))
	if lo.Compare(hi) > 0 {
		lo, hi = hi, lo
	}
	s := Span{First: lo, Last: hi}
	if !s.Contains(lo) || !s.Contains(hi) {
		t.Fatalf("span must be inclusive")
	}
	if !FullSpan().Contains(Sum([]byte("anything"))) {
		t.Fatalf("full span must contain every hash")
	}
	if (Span{First: hi, Last: lo}).Valid() && lo != hi {
		t.Fatalf("inverted span reported valid")
	}
}
