package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDs_Sequence(t *testing.T) {
	gen := NewSequenceIDs("book")

	assert.Equal(t, "book-1", gen.Generate())
	assert.Equal(t, "book-2", gen.Generate())
}

func TestSequenceIDs_DefaultPrefix(t *testing.T) {
	gen := NewSequenceIDs("")
	assert.Equal(t, "id-1", gen.Generate())
}

func TestSequenceIDs_ConcurrentUnique(t *testing.T) {
	gen := NewSequenceIDs("x")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
}
