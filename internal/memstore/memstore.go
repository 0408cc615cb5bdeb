// Package memstore is an in-process TaskRepository for tests and single-node
// development runs. Rows are deep-copied in and out so callers never share
// memory with the store.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/postgres"
)

var _ postgres.TaskRepository = (*Store)(nil)

// Store keeps tasks and logs in maps guarded by a single mutex.
type Store struct {
	mu     sync.Mutex
	tasks  map[int64]*domain.Task
	logs   map[int64][]*domain.TaskLogEntry
	nextID int64
	nextLo int64
	now    func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks: make(map[int64]*domain.Task),
		logs:  make(map[int64][]*domain.TaskLogEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	task.ID = s.nextID
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.ModifiedAt = now
	if task.Channel == "" {
		task.Channel = domain.ChannelDefault
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Store) GetByID(_ context.Context, id int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (s *Store) Update(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	s.write(task)
	return nil
}

func (s *Store) UpdateIf(_ context.Context, task *domain.Task, states ...domain.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[task.ID]
	if !ok || !slices.Contains(states, cur.State) {
		return false, nil
	}
	s.write(task)
	return true, nil
}

func (s *Store) write(task *domain.Task) {
	task.ModifiedAt = s.now()
	cur := s.tasks[task.ID]
	c := task.Clone()
	c.CreatedAt = cur.CreatedAt
	s.tasks[task.ID] = c
}

func (s *Store) List(_ context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Task, 0)
	for _, t := range s.sorted() {
		if !match(t, f) {
			continue
		}
		out = append(out, t.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Count(_ context.Context, f domain.TaskFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if match(t, f) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByChannel(_ context.Context, f domain.TaskFilter) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range s.tasks {
		if match(t, f) {
			counts[t.Channel]++
		}
	}
	return counts, nil
}

func (s *Store) Delete(_ context.Context, f domain.TaskFilter) (int64, error) {
	if isEmpty(f) {
		return 0, errors.New("refusing to delete tasks without a filter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if match(t, f) {
			delete(s.tasks, id)
			delete(s.logs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) AppendLog(_ context.Context, entry *domain.TaskLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[entry.TaskID]; !ok {
		return &domain.TaskNotFoundError{TaskID: entry.TaskID}
	}
	s.nextLo++
	entry.ID = s.nextLo
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	c := *entry
	s.logs[entry.TaskID] = append(s.logs[entry.TaskID], &c)
	return nil
}

func (s *Store) ListLogs(_ context.Context, taskID int64) ([]*domain.TaskLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.TaskLogEntry, 0, len(s.logs[taskID]))
	for _, e := range s.logs[taskID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// Put stores task verbatim, keeping its ID and timestamps. Intended for
// seeding tests with rows in arbitrary states.
func (s *Store) Put(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == 0 {
		s.nextID++
		task.ID = s.nextID
	} else if task.ID > s.nextID {
		s.nextID = task.ID
	}
	if task.Channel == "" {
		task.Channel = domain.ChannelDefault
	}
	s.tasks[task.ID] = task.Clone()
}

func (s *Store) sorted() []*domain.Task {
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func match(t *domain.Task, f domain.TaskFilter) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, t.ID) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
		return false
	}
	if len(f.Channels) > 0 && !slices.Contains(f.Channels, t.Channel) {
		return false
	}
	if f.Due != nil && t.ScheduledFor != nil && t.ScheduledFor.After(*f.Due) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func isEmpty(f domain.TaskFilter) bool {
	return len(f.IDs) == 0 && len(f.States) == 0 && len(f.Channels) == 0 &&
		f.Due == nil && f.CreatedBefore == nil
}
