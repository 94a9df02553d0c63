package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantjenks/go-durable/store"
	"github.com/grantjenks/go-durable/store/memory"
)

func newExecution(t *testing.T, st *memory.Store) *store.WorkflowExecution {
	t.Helper()
	exec := &store.WorkflowExecution{
		WorkflowName: "wf",
		Status:       store.StatusPending,
	}
	require.NoError(t, st.CreateExecution(context.Background(), exec))
	return exec
}

func TestDuplicateEventRejected(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	ev := store.HistoryEvent{ExecutionID: exec.ID, Type: store.EventActivityScheduled, Pos: 3}
	require.NoError(t, st.InsertEvent(ctx, &ev))

	dup := store.HistoryEvent{ExecutionID: exec.ID, Type: store.EventActivityScheduled, Pos: 3}
	assert.ErrorIs(t, st.InsertEvent(ctx, &dup), store.ErrDuplicateEvent)

	// Different type at the same pos is allowed.
	other := store.HistoryEvent{ExecutionID: exec.ID, Type: store.EventActivityCompleted, Pos: 3}
	assert.NoError(t, st.InsertEvent(ctx, &other))
}

func TestSpecialPosNotUnique(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	for i := 0; i < 3; i++ {
		ev := store.HistoryEvent{ExecutionID: exec.ID, Type: store.EventSignalEnqueued, Pos: store.SpecialPos}
		require.NoError(t, st.InsertEvent(ctx, &ev))
	}
	events, err := st.ListEvents(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestClaimTaskExclusive(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	task := &store.ActivityTask{
		ExecutionID:  exec.ID,
		ActivityName: "a",
		Status:       store.TaskQueued,
	}
	require.NoError(t, st.CreateTask(ctx, task))

	const claimers = 16
	var (
		wg   sync.WaitGroup
		wins int
		mu   sync.Mutex
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimTask(ctx, task.ID, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestClaimTaskRespectsAfterTime(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	now := time.Now()
	task := &store.ActivityTask{
		ExecutionID:  exec.ID,
		ActivityName: "a",
		Status:       store.TaskQueued,
		AfterTime:    now.Add(time.Hour),
	}
	require.NoError(t, st.CreateTask(ctx, task))

	ok, err := st.ClaimTask(ctx, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.ClaimTask(ctx, task.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartTaskIncrementsAttempt(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	task := &store.ActivityTask{ExecutionID: exec.ID, ActivityName: "a", Status: store.TaskQueued}
	require.NoError(t, st.CreateTask(ctx, task))

	now := time.Now()

	// StartTask only stamps an attempt on a claimed task.
	_, err := st.StartTask(ctx, task.ID, now)
	require.ErrorIs(t, err, store.ErrNotFound)

	ok, err := st.ClaimTask(ctx, task.ID, now)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := st.StartTask(ctx, task.ID, now)
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, started.Status)
	assert.Equal(t, 1, started.Attempt)
	require.NotNil(t, started.StartedAt)
	require.NotNil(t, started.HeartbeatAt)
}

func TestMarkPendingIfActive(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	exec.Status = store.StatusRunning
	require.NoError(t, st.UpdateExecution(ctx, exec))

	changed, err := st.MarkPendingIfActive(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)

	got.Status = store.StatusCompleted
	require.NoError(t, st.UpdateExecution(ctx, got))
	changed, err = st.MarkPendingIfActive(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestTaskAt(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exec := newExecution(t, st)

	task := &store.ActivityTask{ExecutionID: exec.ID, ActivityName: "a", Pos: 4, Status: store.TaskQueued}
	require.NoError(t, st.CreateTask(ctx, task))

	got, err := st.TaskAt(ctx, exec.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = st.TaskAt(ctx, exec.ID, 5)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.TaskAt(ctx, uuid.New(), 4)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChildrenFilter(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	parent := newExecution(t, st)

	pos := 0
	for _, status := range []store.Status{store.StatusPending, store.StatusCompleted} {
		child := &store.WorkflowExecution{
			WorkflowName: "child",
			Status:       status,
			ParentID:     &parent.ID,
			ParentPos:    &pos,
		}
		require.NoError(t, st.CreateExecution(ctx, child))
	}

	active, err := st.Children(ctx, parent.ID, store.StatusPending, store.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := st.Children(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInTxNested(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	err := st.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		exec := &store.WorkflowExecution{WorkflowName: "wf", Status: store.StatusPending}
		if err := tx.CreateExecution(ctx, exec); err != nil {
			return err
		}
		// Nested InTx must reuse the enclosing transaction instead of
		// deadlocking on the store mutex.
		return tx.InTx(ctx, func(ctx context.Context, inner store.Store) error {
			_, err := inner.GetExecution(ctx, exec.ID)
			return err
		})
	})
	require.NoError(t, err)
}
