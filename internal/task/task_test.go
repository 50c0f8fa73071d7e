package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyBeforeWaitReturnsImmediately(t *testing.T) {
	var self *Task
	done := make(chan struct{})
	Spawn(context.Background(), "test", func(ctx context.Context, s *Task) {
		self = s
		close(done)
	})
	<-done

	self.Notify()
	err := self.Wait(context.Background())
	assert.NoError(t, err)
}

func TestWaitUntilTimesOutWithoutNotify(t *testing.T) {
	tk := Spawn(context.Background(), "test", func(ctx context.Context, s *Task) {})
	_, err := tk.WaitUntil(context.Background(), time.Now().Add(10*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestInterruptObservedAtWait(t *testing.T) {
	started := make(chan *Task, 1)
	result := make(chan error, 1)
	Spawn(context.Background(), "test", func(ctx context.Context, s *Task) {
		started <- s
		result <- s.Wait(ctx)
	})
	self := <-started
	self.Interrupt()
	err := <-result
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestSleepIgnoresNotify(t *testing.T) {
	tk := Spawn(context.Background(), "test", func(ctx context.Context, s *Task) {})
	tk.Notify()
	start := time.Now()
	err := tk.Sleep(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestCheckReportsInterruptionWithoutSuspending(t *testing.T) {
	tk := Spawn(context.Background(), "test", func(ctx context.Context, s *Task) {})
	require.NoError(t, tk.Check())
	tk.Interrupt()
	assert.ErrorIs(t, tk.Check(), ErrInterrupted)
}

func TestBoundedFanOutRespectsLimit(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var active, maxActive int
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	err := BoundedFanOut(context.Background(), 2, items, func(ctx context.Context, item int) error {
		<-mu
		active++
		if active > maxActive {
			maxActive = active
		}
		mu <- struct{}{}

		time.Sleep(5 * time.Millisecond)

		<-mu
		active--
		mu <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, maxActive, 2)
}
