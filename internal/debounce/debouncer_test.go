package debounce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *recorder) persist(v string) Task {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.writes = append(r.writes, v)
		return nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func TestDebouncer_CoalescesPosts(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	rec := &recorder{}
	d.Post("bookmarks", 100*time.Millisecond, rec.persist("v1"))
	d.Post("bookmarks", 100*time.Millisecond, rec.persist("v2"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{"v2"}, rec.snapshot())
	assert.False(t, d.Pending("bookmarks"))
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	rec := &recorder{}
	d.Post("a", 20*time.Millisecond, rec.persist("a"))
	d.Post("b", 20*time.Millisecond, rec.persist("b"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b"}, rec.snapshot())
}

func TestDebouncer_FlushSupersedesPending(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	rec := &recorder{}
	d.Post("boards", time.Hour, rec.persist("pending"))

	require.NoError(t, d.Flush(context.Background(), "boards", rec.persist("flushed")))
	assert.Equal(t, []string{"flushed"}, rec.snapshot())
	assert.False(t, d.Pending("boards"))

	// flushing with no task runs the pending one
	d.Post("boards", time.Hour, rec.persist("second"))
	require.NoError(t, d.Flush(context.Background(), "boards", nil))
	assert.Equal(t, []string{"flushed", "second"}, rec.snapshot())

	// nothing pending, nothing running
	require.NoError(t, d.Flush(context.Background(), "boards", nil))
	assert.Len(t, rec.snapshot(), 2)
}

func TestDebouncer_RequestDuringRunIsCoalesced(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	var last atomic.Value

	slow := func(v string) Task {
		return func(context.Context) error {
			if runs.Add(1) == 1 {
				close(started)
				<-release
			}
			last.Store(v)
			return nil
		}
	}

	d.Post("k", time.Millisecond, slow("first"))
	<-started
	require.True(t, d.Running("k"))

	// Both arrive while "first" is in flight; only the latest runs afterwards.
	d.Post("k", time.Millisecond, slow("second"))
	d.Post("k", time.Millisecond, slow("third"))
	time.Sleep(20 * time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return !d.Running("k") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, "third", last.Load())
}

func TestDebouncer_ConcurrentFlushesShareExecution(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	var runs atomic.Int32
	gate := make(chan struct{})
	task := func(context.Context) error {
		runs.Add(1)
		<-gate
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Flush(context.Background(), "k", task))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	// singleflight collapses overlapping flushes; a late one may run the task again
	assert.LessOrEqual(t, runs.Load(), int32(2))
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestDebouncer_FlushReturnsTaskError(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	boom := errors.New("disk full")
	err := d.Flush(context.Background(), "k", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestDebouncer_FlushAll(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	rec := &recorder{}
	d.Post("a", time.Hour, rec.persist("a"))
	d.Post("b", time.Hour, rec.persist("b"))

	require.NoError(t, d.FlushAll(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b"}, rec.snapshot())
}

func TestDebouncer_CloseCancelsPending(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	rec := &recorder{}
	d.Post("a", 30*time.Millisecond, rec.persist("a"))
	d.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	d.Post("a", time.Millisecond, rec.persist("after close"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.ErrorIs(t, d.Flush(context.Background(), "a", rec.persist("x")), ErrClosed)
}

func TestDebouncer_Cancel(t *testing.T) {
	t.Parallel()

	d := New(context.Background(), nil)
	defer d.Close()

	rec := &recorder{}
	d.Post("a", 30*time.Millisecond, rec.persist("a"))
	assert.True(t, d.Cancel("a"))
	assert.False(t, d.Cancel("a"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestSerial_RunsInOrder(t *testing.T) {
	t.Parallel()

	s := NewSerial(context.Background(), nil)
	rec := &recorder{}
	for _, v := range []string{"1", "2", "3", "4"} {
		require.True(t, s.Submit(rec.persist(v)))
	}

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, []string{"1", "2", "3", "4"}, rec.snapshot())

	s.Submit(rec.persist("5"))
	s.Close()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, rec.snapshot())
	assert.False(t, s.Submit(rec.persist("6")))
	require.NoError(t, s.Drain(context.Background()))
}
