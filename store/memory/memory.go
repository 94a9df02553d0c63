// Package memory provides an in-memory implementation of the workflow
// store for testing and development. It is not durable and should not
// be used for production workloads.
//
// All operations serialise on a single mutex, so an InTx callback runs
// with the same isolation a database transaction would provide at the
// cost of concurrency.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantjenks/go-durable/store"
)

type (
	state struct {
		mu sync.Mutex

		execs  map[uuid.UUID]*store.WorkflowExecution
		events []*store.HistoryEvent
		tasks  map[int64]*store.ActivityTask

		nextEventID int64
		nextTaskID  int64
	}

	// Store is the in-memory store. The zero value is not usable; call
	// New.
	Store struct {
		st *state
		// tx marks a transaction-scoped view whose mutex is already held.
		tx bool
	}
)

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{st: &state{
		execs: make(map[uuid.UUID]*store.WorkflowExecution),
		tasks: make(map[int64]*store.ActivityTask),
	}}
}

func (s *Store) lock() func() {
	if s.tx {
		return func() {}
	}
	s.st.mu.Lock()
	return s.st.mu.Unlock
}

// InTx runs fn while holding the store mutex. Nested calls run in the
// enclosing "transaction". Rollback is not emulated: a failed callback
// may leave partial writes behind, which matches the error paths the
// engine actually exercises (it aborts the whole step on store errors).
func (s *Store) InTx(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if s.tx {
		return fn(ctx, s)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return fn(ctx, &Store{st: s.st, tx: true})
}

func (s *Store) CreateExecution(_ context.Context, e *store.WorkflowExecution) error {
	defer s.lock()()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	cp := *e
	s.st.execs[e.ID] = &cp
	return nil
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	defer s.lock()()
	return s.getExecution(id)
}

func (s *Store) getExecution(id uuid.UUID) (*store.WorkflowExecution, error) {
	e, ok := s.st.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// LockExecution has no blocking semantics here: the store mutex already
// serialises every transaction.
func (s *Store) LockExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	return s.GetExecution(ctx, id)
}

// ClaimExecution never observes a concurrently held row lock because
// transactions are fully serialised.
func (s *Store) ClaimExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	return s.GetExecution(ctx, id)
}

func (s *Store) UpdateExecution(_ context.Context, e *store.WorkflowExecution) error {
	defer s.lock()()
	if _, ok := s.st.execs[e.ID]; !ok {
		return store.ErrNotFound
	}
	e.UpdatedAt = time.Now()
	cp := *e
	s.st.execs[e.ID] = &cp
	return nil
}

func (s *Store) MarkPendingIfActive(_ context.Context, id uuid.UUID) (bool, error) {
	defer s.lock()()
	e, ok := s.st.execs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.Status != store.StatusPending && e.Status != store.StatusRunning {
		return false, nil
	}
	e.Status = store.StatusPending
	e.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) PendingExecutions(_ context.Context, limit int) ([]*store.WorkflowExecution, error) {
	defer s.lock()()
	var out []*store.WorkflowExecution
	for _, e := range s.st.execs {
		if e.Status == store.StatusPending {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortExecs(out)
	return capped(out, limit), nil
}

func (s *Store) ExpiredExecutions(_ context.Context, now time.Time, limit int) ([]*store.WorkflowExecution, error) {
	defer s.lock()()
	var out []*store.WorkflowExecution
	for _, e := range s.st.execs {
		if e.Status.Active() && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortExecs(out)
	return capped(out, limit), nil
}

func (s *Store) Children(_ context.Context, parentID uuid.UUID, statuses ...store.Status) ([]*store.WorkflowExecution, error) {
	defer s.lock()()
	var out []*store.WorkflowExecution
	for _, e := range s.st.execs {
		if e.ParentID == nil || *e.ParentID != parentID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, e.Status) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sortExecs(out)
	return out, nil
}

func (s *Store) InsertEvent(_ context.Context, ev *store.HistoryEvent) error {
	defer s.lock()()
	if ev.Pos != store.SpecialPos {
		for _, e := range s.st.events {
			if e.ExecutionID == ev.ExecutionID && e.Pos == ev.Pos && e.Type == ev.Type {
				return store.ErrDuplicateEvent
			}
		}
	}
	s.st.nextEventID++
	ev.ID = s.st.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	cp := *ev
	s.st.events = append(s.st.events, &cp)
	return nil
}

func (s *Store) ListEvents(_ context.Context, execID uuid.UUID) ([]store.HistoryEvent, error) {
	defer s.lock()()
	var out []store.HistoryEvent
	for _, e := range s.st.events {
		if e.ExecutionID == execID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *Store) CreateTask(_ context.Context, t *store.ActivityTask) error {
	defer s.lock()()
	s.st.nextTaskID++
	t.ID = s.st.nextTaskID
	if t.Status == "" {
		t.Status = store.TaskQueued
	}
	t.UpdatedAt = time.Now()
	cp := *t
	s.st.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(_ context.Context, id int64) (*store.ActivityTask, error) {
	defer s.lock()()
	t, ok := s.st.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) TaskAt(_ context.Context, execID uuid.UUID, pos int) (*store.ActivityTask, error) {
	defer s.lock()()
	for _, t := range s.st.tasks {
		if t.ExecutionID == execID && t.Pos == pos {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateTask(_ context.Context, t *store.ActivityTask) error {
	defer s.lock()()
	if _, ok := s.st.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	t.UpdatedAt = time.Now()
	cp := *t
	s.st.tasks[t.ID] = &cp
	return nil
}

func (s *Store) ClaimTask(_ context.Context, id int64, now time.Time) (bool, error) {
	defer s.lock()()
	t, ok := s.st.tasks[id]
	if !ok {
		return false, nil
	}
	if t.Status != store.TaskQueued || t.AfterTime.After(now) {
		return false, nil
	}
	t.Status = store.TaskRunning
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) StartTask(_ context.Context, id int64, now time.Time) (*store.ActivityTask, error) {
	defer s.lock()()
	t, ok := s.st.tasks[id]
	if !ok || t.Status != store.TaskRunning {
		return nil, store.ErrNotFound
	}
	t.StartedAt = &now
	t.HeartbeatAt = &now
	t.Attempt++
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateHeartbeat(_ context.Context, id int64, at time.Time, details any) error {
	defer s.lock()()
	t, ok := s.st.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.HeartbeatAt = &at
	if details != nil {
		t.HeartbeatDetails = details
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) QueuedTasks(_ context.Context, execID uuid.UUID) ([]*store.ActivityTask, error) {
	defer s.lock()()
	return s.filterTasks(func(t *store.ActivityTask) bool {
		return t.ExecutionID == execID && t.Status == store.TaskQueued
	}, 0), nil
}

func (s *Store) DueTasks(_ context.Context, now time.Time, limit int) ([]*store.ActivityTask, error) {
	defer s.lock()()
	return s.filterTasks(func(t *store.ActivityTask) bool {
		if t.Status != store.TaskQueued || t.AfterTime.After(now) {
			return false
		}
		e, ok := s.st.execs[t.ExecutionID]
		return ok && (e.Status == store.StatusPending || e.Status == store.StatusRunning)
	}, limit), nil
}

func (s *Store) ExpiredQueuedTasks(_ context.Context, now time.Time, limit int) ([]*store.ActivityTask, error) {
	defer s.lock()()
	return s.filterTasks(func(t *store.ActivityTask) bool {
		return t.Status == store.TaskQueued && t.ExpiresAt != nil && !t.ExpiresAt.After(now)
	}, limit), nil
}

func (s *Store) ExpiredRunningTasks(_ context.Context, now time.Time, limit int) ([]*store.ActivityTask, error) {
	defer s.lock()()
	return s.filterTasks(func(t *store.ActivityTask) bool {
		return t.Status == store.TaskRunning && t.ExpiresAt != nil && !t.ExpiresAt.After(now)
	}, limit), nil
}

func (s *Store) HeartbeatTasks(_ context.Context, limit int) ([]*store.ActivityTask, error) {
	defer s.lock()()
	return s.filterTasks(func(t *store.ActivityTask) bool {
		return t.Status == store.TaskRunning && t.HeartbeatTimeout > 0
	}, limit), nil
}

// MutateTask applies fn to the stored task under the store lock. Tests
// use it to fabricate stalled or expired tasks.
func (s *Store) MutateTask(id int64, fn func(*store.ActivityTask)) {
	defer s.lock()()
	if t, ok := s.st.tasks[id]; ok {
		fn(t)
	}
}

func (s *Store) filterTasks(keep func(*store.ActivityTask) bool, limit int) []*store.ActivityTask {
	var out []*store.ActivityTask
	for _, t := range s.st.tasks {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return capped(out, limit)
}

func sortExecs(execs []*store.WorkflowExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].UpdatedAt.Equal(execs[j].UpdatedAt) {
			return execs[i].ID.String() < execs[j].ID.String()
		}
		return execs[i].UpdatedAt.Before(execs[j].UpdatedAt)
	})
}

func capped[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func containsStatus(statuses []store.Status, s store.Status) bool {
	for _, c := range statuses {
		if c == s {
			return true
		}
	}
	return false
}
