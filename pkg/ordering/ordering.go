// Package ordering maintains the manually ordered task queue of each collaborator.
//
// A collaborator's tasks form two partitions: open tasks, which can be
// reordered freely, and completed tasks, which are only ever appended to.
// Gaps in orderIndex are left in place until the next reorder of the open
// partition rewrites it densely.
package ordering

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/metrics"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/sirupsen/logrus"
)

// Reorder moves the element at from to position to and returns a new slice
// whose OrderIndex values equal their positions. The input is not modified.
func Reorder(queue []model.Task, from, to int) ([]model.Task, error) {
	if from < 0 || from >= len(queue) {
		return nil, model.Invalid("from", "index %d outside queue of %d", from, len(queue))
	}
	if to < 0 || to >= len(queue) {
		return nil, model.Invalid("to", "index %d outside queue of %d", to, len(queue))
	}

	out := slices.Clone(queue)
	moved := out[from]
	out = slices.Delete(out, from, from+1)
	out = slices.Insert(out, to, moved)
	for i := range out {
		out[i].OrderIndex = i
	}
	return out, nil
}

// Service reads and writes queues in the store.
type Service struct {
	store store.Store
	now   func() time.Time
	log   *logrus.Entry
}

func NewService(s store.Store) *Service {
	return &Service{
		store: s,
		now:   time.Now,
		log:   logrus.WithField("component", "ordering"),
	}
}

// OpenQueue returns the open tasks of collaborator in queue order.
func (s *Service) OpenQueue(ctx context.Context, collaborator string) ([]model.Task, error) {
	return s.partition(ctx, collaborator, false)
}

// CompletedQueue returns the completed tasks of collaborator in completion order.
func (s *Service) CompletedQueue(ctx context.Context, collaborator string) ([]model.Task, error) {
	return s.partition(ctx, collaborator, true)
}

func (s *Service) partition(ctx context.Context, collaborator string, completed bool) ([]model.Task, error) {
	status := store.Ne(model.FieldOperationalStatus, model.StatusCompleted)
	if completed {
		status = store.Eq(model.FieldOperationalStatus, model.StatusCompleted)
	}
	tasks, err := store.QueryAs[model.Task](ctx, s.store, model.CollectionTasks,
		store.Eq(model.FieldCollaboratorRef, collaborator), status)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue of %s: %w", collaborator, err)
	}
	slices.SortStableFunc(tasks, func(a, b model.Task) int {
		if c := cmp.Compare(a.OrderIndex, b.OrderIndex); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tasks, nil
}

// Persist writes orderIndex = position for every task of queue in one
// atomic batch. Every task must be open and belong to the same collaborator.
func (s *Service) Persist(ctx context.Context, queue []model.Task) error {
	if len(queue) == 0 {
		return nil
	}
	collaborator := queue[0].CollaboratorRef
	now := s.now().UTC()
	writes := make([]store.Write, 0, len(queue))
	for i, t := range queue {
		if t.CollaboratorRef != collaborator {
			return model.Invalid("queue", "task %s belongs to %s, not %s", t.ID, t.CollaboratorRef, collaborator)
		}
		if t.Completed() {
			return model.Invalid("queue", "task %s is completed and cannot be reordered", t.ID)
		}
		writes = append(writes, store.UpdateWrite(model.CollectionTasks, t.ID, store.Patch{
			model.FieldOrderIndex: i,
			model.FieldUpdatedAt:  now,
		}))
	}
	if err := s.store.BatchUpdate(ctx, writes); err != nil {
		return fmt.Errorf("failed to persist queue of %s: %w", collaborator, err)
	}
	metrics.QueueReorders.Inc()
	return nil
}

// Move loads the open queue of collaborator, moves one task and persists
// the result.
func (s *Service) Move(ctx context.Context, collaborator string, from, to int) ([]model.Task, error) {
	queue, err := s.OpenQueue(ctx, collaborator)
	if err != nil {
		return nil, err
	}
	reordered, err := Reorder(queue, from, to)
	if err != nil {
		return nil, err
	}
	if err := s.Persist(ctx, reordered); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"collaborator": collaborator, "from": from, "to": to}).Debug("queue reordered")
	return reordered, nil
}

// NextIndex returns the index appending a task to the open or completed
// partition of collaborator.
func (s *Service) NextIndex(ctx context.Context, collaborator string, completed bool) (int, error) {
	tasks, err := s.partition(ctx, collaborator, completed)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, t := range tasks {
		if t.OrderIndex >= next {
			next = t.OrderIndex + 1
		}
	}
	return next, nil
}
