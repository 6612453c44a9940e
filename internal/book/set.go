package book

import "github.com/alanyoungcy/bookrecorder/internal/domain"

// Set keeps one Book per symbol for a session that multiplexes several
// instruments on one connection.
type Set struct {
	books map[string]*Book
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{books: make(map[string]*Book)}
}

// Get returns the book for symbol, creating it on first use.
func (s *Set) Get(symbol string) *Book {
	b, ok := s.books[symbol]
	if !ok {
		b = New(symbol)
		s.books[symbol] = b
	}
	return b
}

// Apply applies msg to its symbol's book. The snapshot record is returned only
// when the book changed.
func (s *Set) Apply(msg domain.StreamMessage) (domain.SnapshotRecord, bool) {
	b := s.Get(msg.Symbol)
	if !b.Apply(msg) {
		return domain.SnapshotRecord{}, false
	}
	return b.Record(msg), true
}

// Len returns the number of books held.
func (s *Set) Len() int { return len(s.books) }
