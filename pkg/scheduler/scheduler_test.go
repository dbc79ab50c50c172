package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWaitRunsHandler(t *testing.T) {
	s := New(map[Kind]int{KindAgentRuntime: 2}, 8)
	defer s.Shutdown()

	var ran int32
	err := s.SubmitAndWait(context.Background(), KindAgentRuntime, func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ran)
}

func TestConcurrencyCapIsEnforced(t *testing.T) {
	s := New(map[Kind]int{KindToolDispatch: 2}, 16)
	defer s.Shutdown()

	var active, maxActive int32
	var dones []<-chan error
	for i := 0; i < 8; i++ {
		done, err := s.Submit(KindToolDispatch, func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, d := range dones {
		<-d
	}
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxActive)), 2)
}

func TestSubmitUnknownKindErrors(t *testing.T) {
	s := New(map[Kind]int{KindAgentRuntime: 1}, 4)
	defer s.Shutdown()

	_, err := s.Submit(Kind("nonexistent"), func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}
