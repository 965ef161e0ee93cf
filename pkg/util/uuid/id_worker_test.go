package uuid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDWorkerRejectsLargeNode(t *testing.T) {
	_, err := NewIDWorker(maxWorkerID + 1)
	assert.Error(t, err)
}

func TestNextIDIsUniqueAndIncreasing(t *testing.T) {
	worker, err := NewIDWorker(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), worker.WorkerID())

	prev := worker.NextID()
	for i := 0; i < 10000; i++ {
		next := worker.NextID()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNextIDConcurrent(t *testing.T) {
	worker, err := NewIDWorker(1)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int64]struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := worker.NextID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8000)
}
