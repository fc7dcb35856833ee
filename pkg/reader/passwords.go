package reader

import (
	"bytes"
	"sync"
)

// PasswordBook collects every password the user has entered since startup.
// Candidates are kept in entry order without duplicates.
type PasswordBook struct {
	mu   sync.RWMutex
	list [][]byte
}

func NewPasswordBook() *PasswordBook {
	return &PasswordBook{}
}

// Add records pw and reports whether it was new. Empty passwords are ignored.
func (b *PasswordBook) Add(pw []byte) bool {
	if len(pw) == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, known := range b.list {
		if bytes.Equal(known, pw) {
			return false
		}
	}
	b.list = append(b.list, bytes.Clone(pw))
	return true
}

// All returns copies of the candidates in entry order.
func (b *PasswordBook) All() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]byte, len(b.list))
	for i, pw := range b.list {
		out[i] = bytes.Clone(pw)
	}
	return out
}

func (b *PasswordBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.list)
}
