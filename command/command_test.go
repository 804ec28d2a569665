package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew_UniqueIDs(t *testing.T) {
	a := New("sync", "nodeA", nil, 0)
	b := New("sync", "nodeA", nil, 0)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, DefaultTimeout, a.Timeout)
}

func TestPending_ConcurrentDistinctIDs(t *testing.T) {
	store := NewBasicStore()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Pending().Put(&Command{ID: fmt.Sprintf("cmd-%d", i)})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, store.Pending().Len())
}

func TestPending_SameIDLastWriteWins(t *testing.T) {
	p := NewPending()
	p.Put(&Command{ID: "x", Type: "first"})
	p.Put(&Command{ID: "x", Type: "second"})

	assert.Equal(t, 1, p.Len())
	cmd, ok := p.Get("x")
	require.True(t, ok)
	assert.Equal(t, "second", cmd.Type)
}

func TestPending_IsLive(t *testing.T) {
	store := NewBasicStore()
	view := store.Pending()

	store.Pending().Put(&Command{ID: "a"})
	_, ok := view.Get("a")
	assert.True(t, ok, "expected the mapping to reflect later inserts")

	removed, ok := store.Pending().Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ID)
	_, ok = view.Get("a")
	assert.False(t, ok)

	_, ok = view.Remove("a")
	assert.False(t, ok)
}

func TestPending_LoadOrStoreAndCompareAndSwap(t *testing.T) {
	p := NewPending()
	first := &Command{ID: "x"}
	second := &Command{ID: "x"}

	got, loaded := p.LoadOrStore(first)
	assert.False(t, loaded)
	assert.Same(t, first, got)

	got, loaded = p.LoadOrStore(second)
	assert.True(t, loaded)
	assert.Same(t, first, got)

	assert.True(t, p.CompareAndSwap(first, second))
	assert.False(t, p.CompareAndSwap(first, second))
	assert.False(t, p.CompareAndSwap(second, &Command{ID: "y"}))

	assert.False(t, p.RemoveIf(first))
	assert.True(t, p.RemoveIf(second))
	assert.Equal(t, 0, p.Len())
}

func TestStore_SetPendingRoundTrip(t *testing.T) {
	store := NewBasicStore()
	store.Pending().Put(&Command{ID: "old"})

	replacement := NewPending()
	replacement.Put(&Command{ID: "new"})
	store.SetPending(replacement)

	assert.Same(t, replacement, store.Pending())
	assert.Equal(t, []string{"new"}, keys(store.Pending().Snapshot()))

	store.SetPending(nil)
	assert.Equal(t, 0, store.Pending().Len())
}

func keys(m map[string]*Command) []string {
	var result []string
	for k := range m {
		result = append(result, k)
	}
	return result
}

func TestExecute_CollectsResults(t *testing.T) {
	store := NewBasicStore()

	var exec *ExecutionContext
	producer := ProducerFunc(func(ctx context.Context, cmd *Command) error {
		for _, node := range cmd.Destination {
			go exec.Complete(Result{ID: cmd.ID, Node: node, Payload: json.RawMessage(`"ok"`)})
		}
		return nil
	})
	exec = NewExecutionContext(store, producer, nil)

	cmd := New("sync", "nodeA", nil, time.Second)
	cmd.Destination = []string{"nodeB", "nodeC"}

	results, err := exec.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 0, store.Pending().Len(), "expected the command to be removed once complete")
}

func TestExecute_Timeout(t *testing.T) {
	store := NewBasicStore()

	var exec *ExecutionContext
	producer := ProducerFunc(func(ctx context.Context, cmd *Command) error {
		exec.Complete(Result{ID: cmd.ID, Node: "nodeB"})
		return nil
	})
	exec = NewExecutionContext(store, producer, nil)

	cmd := New("sync", "nodeA", nil, 20*time.Millisecond)
	cmd.Destination = []string{"nodeB", "nodeC"}

	results, err := exec.Execute(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, results, 1)
	assert.Equal(t, 0, store.Pending().Len())
	assert.False(t, exec.Complete(Result{ID: cmd.ID, Node: "nodeC"}), "expected late results to be dropped")
}

func TestExecute_IgnoresResultsFromOtherNodes(t *testing.T) {
	store := NewBasicStore()

	var exec *ExecutionContext
	accepted := true
	producer := ProducerFunc(func(ctx context.Context, cmd *Command) error {
		accepted = exec.Complete(Result{ID: cmd.ID, Node: "stranger"})
		return nil
	})
	exec = NewExecutionContext(store, producer, nil)

	cmd := New("sync", "nodeA", nil, 20*time.Millisecond)
	cmd.Destination = []string{"nodeB"}

	results, err := exec.Execute(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, accepted)
	assert.Empty(t, results)
}

func TestExecute_ProducerError(t *testing.T) {
	store := NewBasicStore()
	exec := NewExecutionContext(store, ProducerFunc(func(ctx context.Context, cmd *Command) error {
		return fmt.Errorf("no route")
	}), nil)

	cmd := New("sync", "nodeA", nil, time.Second)
	cmd.Destination = []string{"nodeB"}

	_, err := exec.Execute(context.Background(), cmd)
	assert.Error(t, err)
	assert.Equal(t, 0, store.Pending().Len())
}

func TestExecute_NoDestination(t *testing.T) {
	exec := NewExecutionContext(NewBasicStore(), ProducerFunc(func(context.Context, *Command) error { return nil }), nil)
	_, err := exec.Execute(context.Background(), New("sync", "nodeA", nil, 0))
	assert.ErrorIs(t, err, ErrNoDestination)
}

func TestExecute_ContextCancelled(t *testing.T) {
	exec := NewExecutionContext(NewBasicStore(), ProducerFunc(func(context.Context, *Command) error { return nil }), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd := New("sync", "nodeA", nil, time.Minute)
	cmd.Destination = []string{"nodeB"}
	_, err := exec.Execute(ctx, cmd)
	assert.ErrorIs(t, err, context.Canceled)
}
