package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingResolvesOnce(t *testing.T) {
	ch := NewChannel[string, int](Options{})
	p, err := ch.Open("req-1", "subject")
	require.NoError(t, err)

	require.True(t, p.Resolve(Accepted, 7))
	require.False(t, p.Resolve(Denied, 9))

	result := p.Wait(context.Background())
	require.Equal(t, Accepted, result.Outcome)
	require.Equal(t, 7, result.Value)
}

func TestOpenSupersedesPendingRequest(t *testing.T) {
	ch := NewChannel[string, struct{}](Options{})

	first, err := ch.Open("first", "a")
	require.NoError(t, err)
	second, err := ch.Open("second", "b")
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first request should be resolved before the second is published")
	}
	firstResult, ok := first.Result()
	require.True(t, ok)
	require.Equal(t, Cancelled, firstResult.Outcome)

	current, err := ch.Lookup("second")
	require.NoError(t, err)
	require.Same(t, second, current)
	_, err = ch.Lookup("first")
	require.ErrorIs(t, err, ErrUnknownRequest)

	prompt := <-ch.Prompts()
	require.Same(t, second, prompt, "stale prompt should have been dropped")
}

func TestResolveErrors(t *testing.T) {
	ch := NewChannel[string, string](Options{})
	_, err := ch.Open("req", "s")
	require.NoError(t, err)

	require.ErrorIs(t, ch.Resolve("other", Accepted, ""), ErrUnknownRequest)
	require.NoError(t, ch.Resolve("req", Denied, ""))
	require.ErrorIs(t, ch.Resolve("req", Accepted, ""), ErrAlreadyResolved)
}

func TestTimeoutExpiresNeverAccepts(t *testing.T) {
	ch := NewChannel[string, bool](Options{Timeout: 20 * time.Millisecond})
	p, err := ch.Open("slow", "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result := p.Wait(ctx)
	require.Equal(t, Expired, result.Outcome)
	require.False(t, result.Value)

	require.ErrorIs(t, ch.Resolve("slow", Accepted, true), ErrAlreadyResolved)
}

func TestWaitCancelsWhenContextEnds(t *testing.T) {
	ch := NewChannel[string, int](Options{})
	p, err := ch.Open("dropped", "s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := p.Wait(ctx)
	require.Equal(t, Cancelled, result.Outcome)
}

func TestResolveWithBuildsValueOnce(t *testing.T) {
	ch := NewChannel[string, int](Options{})
	p, err := ch.Open("once", "s")
	require.NoError(t, err)

	var builds atomic.Int32
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := p.ResolveWith(Accepted, func() (int, error) {
				return int(builds.Add(1)), nil
			})
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, builds.Load())
	require.EqualValues(t, 1, wins.Load())
}

func TestResolveWithFailureLeavesRequestOpen(t *testing.T) {
	ch := NewChannel[string, int](Options{})
	p, err := ch.Open("retry", "s")
	require.NoError(t, err)

	boom := errors.New("boom")
	ok, err := p.ResolveWith(Accepted, func() (int, error) { return 0, boom })
	require.False(t, ok)
	require.ErrorIs(t, err, boom)

	_, resolved := p.Result()
	require.False(t, resolved)
	require.True(t, p.Resolve(Denied, 0))
}

func TestCloseCancelsAndRefuses(t *testing.T) {
	ch := NewChannel[string, int](Options{})
	p, err := ch.Open("open", "s")
	require.NoError(t, err)

	ch.Close()
	result, ok := p.Result()
	require.True(t, ok)
	require.Equal(t, Cancelled, result.Outcome)

	_, err = ch.Open("late", "s")
	require.ErrorIs(t, err, ErrClosed)
}
