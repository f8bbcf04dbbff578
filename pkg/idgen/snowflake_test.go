package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnowflakeRejectsBadWorker(t *testing.T) {
	_, err := NewSnowflake(-1)
	assert.Error(t, err)
	_, err = NewSnowflake(maxWorkerID + 1)
	assert.Error(t, err)
}

func TestGenerateIsMonotonic(t *testing.T) {
	sf, err := NewSnowflake(3)
	require.NoError(t, err)

	prev := sf.Generate()
	for i := 0; i < 10000; i++ {
		next := sf.Generate()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestGenerateOrderIDUniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 500
	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := GenerateOrderID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	for id := range seen {
		assert.True(t, strings.HasPrefix(id, "ORD"))
		assert.Len(t, id, 3+14+8+8)
		break
	}
}
