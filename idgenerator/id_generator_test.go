package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("first id follows the start value", func(t *testing.T) {
		gen := NewIdGenerator(100)
		require.NotNil(t, gen)
		assert.Equal(t, uint32(101), gen.Id())
		assert.Equal(t, uint32(101), gen.Last())
	})

	t.Run("zero is skipped on wrap around", func(t *testing.T) {
		gen := NewIdGenerator(^uint32(0))
		assert.Equal(t, uint32(1), gen.Id())
	})
}

func TestIdGenerator_Sequential(t *testing.T) {
	gen := NewIdGenerator(0)
	for want := uint32(1); want <= 10; want++ {
		assert.Equal(t, want, gen.Id())
	}
}

func TestIdGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewIdGenerator(0)
	const goroutines, perG = 16, 500

	var mu sync.Mutex
	seen := make(map[uint32]bool, goroutines*perG)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint32, 0, perG)
			for i := 0; i < perG; i++ {
				local = append(local, gen.Id())
			}

			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				assert.False(t, seen[id], "duplicate id %d", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perG)
	assert.Equal(t, uint32(goroutines*perG), gen.Last())
}
