package download_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/modelget/modelget/pkg/download"
)

func TestProgressStateConcurrentAdds(t *testing.T) {
	var active, calls atomic.Int32
	var lastDone atomic.Int64
	state := download.NewProgressState(100_000, 500, time.Nanosecond, func(done, total int64, rate float64) {
		assert.Equal(t, int32(1), active.Add(1))
		defer active.Add(-1)
		assert.Equal(t, int64(100_000), total)
		assert.GreaterOrEqual(t, rate, 0.0)
		calls.Add(1)
		lastDone.Store(done)
	})

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				state.Add(1)
			}
		}()
	}
	wg.Wait()
	state.Flush()

	done, total, _ := state.Snapshot()
	assert.Equal(t, int64(10_500), done)
	assert.Equal(t, int64(100_000), total)
	assert.Equal(t, int64(10_500), lastDone.Load())
	assert.Greater(t, calls.Load(), int32(0))
}

func TestProgressStateThrottles(t *testing.T) {
	var calls atomic.Int32
	state := download.NewProgressState(-1, 0, time.Hour, func(int64, int64, float64) { calls.Add(1) })
	for i := 0; i < 100; i++ {
		state.Add(10)
	}
	assert.Equal(t, int32(1), calls.Load())
	state.Flush()
	assert.Equal(t, int32(2), calls.Load())
}

func TestProgressStateReset(t *testing.T) {
	state := download.NewProgressState(10, 5, time.Hour, nil)
	state.Add(3)
	done, _, _ := state.Snapshot()
	assert.Equal(t, int64(8), done)

	state.Reset(20)
	done, total, _ := state.Snapshot()
	assert.Equal(t, int64(0), done)
	assert.Equal(t, int64(20), total)
}
