package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/memstore"
)

func TestStore_CreateAssignsIDsAndDefaults(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	a := &domain.Task{Namespace: "ns", FunctionName: "fn"}
	b := &domain.Task{Namespace: "ns", FunctionName: "fn", Channel: "email"}
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	assert.EqualValues(t, 1, a.ID)
	assert.EqualValues(t, 2, b.ID)
	assert.Equal(t, domain.ChannelDefault, a.Channel)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	task := &domain.Task{Namespace: "ns", FunctionName: "fn"}
	require.NoError(t, s.Create(ctx, task))

	got, err := s.GetByID(ctx, task.ID)
	require.NoError(t, err)
	got.State = domain.StateFailed

	again, err := s.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduled, again.State)
}

func TestStore_UpdateIf(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	task := &domain.Task{}
	require.NoError(t, s.Create(ctx, task))

	task.MarkCanceled("x")
	ok, err := s.UpdateIf(ctx, task, domain.StateScheduled)
	require.NoError(t, err)
	assert.True(t, ok)

	task.MarkStarted(time.Now())
	ok, err = s.UpdateIf(ctx, task, domain.ActiveStates...)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.GetByID(ctx, task.ID)
	assert.Equal(t, domain.StateCanceled, got.State)
}

func TestStore_UpdateMissing(t *testing.T) {
	s := memstore.New()
	err := s.Update(context.Background(), &domain.Task{ID: 5})
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStore_FilterAndDelete(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-100 * 24 * time.Hour)
	future := now.Add(time.Hour)

	s.Put(&domain.Task{CreatedAt: old, State: domain.StateCompleted})
	s.Put(&domain.Task{CreatedAt: now, State: domain.StateRetry, ScheduledFor: &future})
	s.Put(&domain.Task{CreatedAt: now, State: domain.StateRetry, Channel: "email"})

	due, err := s.List(ctx, domain.TaskFilter{States: []domain.State{domain.StateRetry}, Due: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "email", due[0].Channel)

	counts, err := s.CountByChannel(ctx, domain.TaskFilter{States: []domain.State{domain.StateRetry}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"default": 1, "email": 1}, counts)

	cutoff := now.Add(-90 * 24 * time.Hour)
	n, err := s.Delete(ctx, domain.TaskFilter{CreatedBefore: &cutoff})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Delete(ctx, domain.TaskFilter{})
	require.Error(t, err)
}

func TestStore_Logs(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	task := &domain.Task{}
	require.NoError(t, s.Create(ctx, task))

	require.NoError(t, s.AppendLog(ctx, &domain.TaskLogEntry{TaskID: task.ID, Kind: domain.LogInfo, Text: "hello"}))
	require.Error(t, s.AppendLog(ctx, &domain.TaskLogEntry{TaskID: 404}))

	logs, err := s.ListLogs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0].Text)
}

func TestStore_ListLimit(t *testing.T) {
	s := memstore.New()
	for i := 0; i < 5; i++ {
		s.Put(&domain.Task{})
	}
	got, err := s.List(context.Background(), domain.TaskFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 1, got[0].ID)
}
