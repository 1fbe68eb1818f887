package cage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_OrderedDeliveryFollowsStartOrder(t *testing.T) {
	l := NewLoop(context.Background())
	defer l.Close()

	var got []int
	delays := []time.Duration{30 * time.Millisecond, 0, 10 * time.Millisecond}
	for i, d := range delays {
		i, d := i, d
		l.Start(func(ctx context.Context) Job {
			time.Sleep(d)
			return func() error {
				got = append(got, i)
				return nil
			}
		})
	}

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 0, l.Pending())
}

func TestLoop_JobErrorStopsRun(t *testing.T) {
	l := NewLoop(context.Background())
	defer l.Close()

	boom := errors.New("boom")
	l.Start(func(ctx context.Context) Job {
		return func() error { return boom }
	})
	assert.ErrorIs(t, l.Run(context.Background()), boom)
}

func TestLoop_WorkPanicBecomesError(t *testing.T) {
	l := NewLoop(context.Background())
	defer l.Close()

	l.Start(func(ctx context.Context) Job { panic("bad hook") })
	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad hook")
}

func TestLoop_Timers(t *testing.T) {
	l := NewLoop(context.Background())
	defer l.Close()

	var fired []string
	l.SetTimer(5*time.Millisecond, func() error {
		fired = append(fired, "kept")
		return nil
	})
	cancelled := l.SetTimer(time.Millisecond, func() error {
		fired = append(fired, "cancelled")
		return nil
	})
	l.ClearTimer(cancelled)
	l.ClearTimer(999)

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"kept"}, fired)
}

func TestLoop_RunHonoursContext(t *testing.T) {
	l := NewLoop(context.Background())
	defer l.Close()

	l.Start(func(ctx context.Context) Job {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Run(ctx), context.DeadlineExceeded)
}

func TestLoop_EmptyRunReturnsImmediately(t *testing.T) {
	l := NewLoop(context.Background())
	defer l.Close()
	assert.NoError(t, l.Run(context.Background()))
}
