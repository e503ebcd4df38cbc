// Package lifecycle keeps tasks, appointments, clients and projects
// consistent with each other as they change.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/conflict"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/notify"
	"github.com/mklimuk/atelier-pilot/pkg/ordering"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/mklimuk/atelier-pilot/pkg/taxonomy"
	"github.com/mklimuk/atelier-pilot/pkg/title"
	"github.com/sirupsen/logrus"
)

// Synchronizer applies every multi-document change of the engine.
type Synchronizer struct {
	store     store.Store
	queue     *ordering.Service
	conflicts *conflict.Detector
	notifier  notify.Notifier
	now       func() time.Time
	log       *logrus.Entry
}

type Option func(*Synchronizer)

// WithNotifier sends conflict warnings and promotions to n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Synchronizer) { s.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func New(s store.Store, queue *ordering.Service, conflicts *conflict.Detector, opts ...Option) *Synchronizer {
	sy := &Synchronizer{
		store:     s,
		queue:     queue,
		conflicts: conflicts,
		now:       time.Now,
		log:       logrus.WithField("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(sy)
	}
	return sy
}

// NewTask describes a task to create.
type NewTask struct {
	Kind            model.TaskKind
	Label           string
	Title           string
	Subject         string
	Note            string
	DueDate         *model.Date
	CollaboratorRef string
	ClientRef       string
	ProjectRef      string
	// Schedule, when enabled, books an appointment for the new task.
	Schedule *ScheduleRequest
}

// TaskResult is a task with its bound appointment, if any, and the
// advisory conflicts found while scheduling it.
type TaskResult struct {
	Task        model.Task          `json:"task"`
	Appointment *model.Appointment  `json:"appointment,omitempty"`
	Conflicts   []model.Appointment `json:"conflicts,omitempty"`
}

func (n NewTask) validate() error {
	if !n.Kind.Valid() {
		return model.Invalid("kind", "unknown task kind %q", n.Kind)
	}
	if strings.TrimSpace(n.CollaboratorRef) == "" {
		return model.Invalid("collaboratorRef", "is required")
	}
	switch {
	case n.Kind == model.KindMemo:
		if n.Label != "" {
			return model.Invalid("statusLabel", "memos carry no status label")
		}
		if n.ClientRef != "" || n.ProjectRef != "" {
			return model.Invalid("clientRef", "memos are not linked to clients or projects")
		}
		if strings.TrimSpace(n.Title) == "" {
			return model.Invalid("title", "is required")
		}
	case n.Kind.IsAuto():
		if strings.TrimSpace(n.Subject) == "" {
			return model.Invalid("subject", "is required for generated titles")
		}
	default:
		if strings.TrimSpace(n.Title) == "" {
			return model.Invalid("title", "is required")
		}
	}
	return nil
}

// CreateTask validates n, derives its status and title, appends it to the
// owner's queue and stores it.
func (s *Synchronizer) CreateTask(ctx context.Context, n NewTask) (*TaskResult, error) {
	task, err := s.buildTask(ctx, n)
	if err != nil {
		return nil, err
	}
	rec, err := store.Encode(task)
	if err != nil {
		return nil, err
	}
	id, err := s.store.Create(ctx, model.CollectionTasks, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	task.ID = id
	s.log.WithFields(logrus.Fields{"task_id": id, "kind": task.Kind}).Info("task created")

	if n.Schedule == nil || !n.Schedule.Enabled {
		return &TaskResult{Task: *task}, nil
	}
	return s.Schedule(ctx, id, *n.Schedule)
}

// buildTask returns the task n describes without storing it.
func (s *Synchronizer) buildTask(ctx context.Context, n NewTask) (*model.Task, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	if n.Schedule != nil && n.Schedule.Enabled {
		if err := n.Schedule.candidate(n.CollaboratorRef).Validate(); err != nil {
			return nil, err
		}
	}

	label := taxonomy.Canonical(n.Label)
	if label == "" {
		label = taxonomy.InitialLabel(n.Kind)
	}
	status, err := taxonomy.Resolve(n.Kind, "", label)
	if err != nil {
		return nil, err
	}

	index, err := s.queue.NextIndex(ctx, n.CollaboratorRef, status == model.StatusCompleted)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	task := &model.Task{
		Title:             strings.TrimSpace(n.Title),
		Kind:              n.Kind,
		StatusLabel:       label,
		OperationalStatus: status,
		DueDate:           n.DueDate,
		Note:              n.Note,
		Subject:           strings.TrimSpace(n.Subject),
		CollaboratorRef:   n.CollaboratorRef,
		ClientRef:         n.ClientRef,
		ProjectRef:        n.ProjectRef,
		OrderIndex:        index,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if n.Kind.IsAuto() {
		task.Subject = title.NormalizeName(task.Subject)
		task.Title = title.Title(label, task.Subject)
	}
	return task, nil
}

// ChangeStatusLabel sets a new label, re-derives the operational status and
// the generated title, and moves the task across partitions when its
// completion flips.
func (s *Synchronizer) ChangeStatusLabel(ctx context.Context, taskID, label string) (*model.Task, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Kind == model.KindMemo {
		return nil, model.Invalid("statusLabel", "memos carry no status label")
	}

	label = taxonomy.Canonical(label)
	status, err := taxonomy.Resolve(task.Kind, task.OperationalStatus, label)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	patch := store.Patch{
		model.FieldStatusLabel:       label,
		model.FieldOperationalStatus: status,
		model.FieldUpdatedAt:         now,
	}
	newTitle := task.Title
	if task.Kind.IsAuto() {
		newTitle = title.Title(label, task.Subject)
		patch[model.FieldTitle] = newTitle
	}
	if (status == model.StatusCompleted) != task.Completed() {
		index, err := s.queue.NextIndex(ctx, task.CollaboratorRef, status == model.StatusCompleted)
		if err != nil {
			return nil, err
		}
		patch[model.FieldOrderIndex] = index
		task.OrderIndex = index
	}

	if err := s.store.Update(ctx, model.CollectionTasks, task.ID, patch); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	titleChanged := newTitle != task.Title
	task.StatusLabel = label
	task.OperationalStatus = status
	task.Title = newTitle
	task.UpdatedAt = now

	if titleChanged && task.LinkedAppointmentID != "" {
		s.retitleAppointment(ctx, task)
	}
	return task, nil
}

// retitleAppointment keeps the bound appointment's title in step with its task.
func (s *Synchronizer) retitleAppointment(ctx context.Context, task *model.Task) {
	err := s.store.Update(ctx, model.CollectionAppointments, task.LinkedAppointmentID, store.Patch{
		model.FieldTitle:     task.Title,
		model.FieldUpdatedAt: s.now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).WithFields(logrus.Fields{
			"task_id":        task.ID,
			"appointment_id": task.LinkedAppointmentID,
		}).Warn("failed to retitle appointment")
	}
}

// LoadTask returns a task with its appointment, repairing the link from the
// appointment side when it is stale or missing.
func (s *Synchronizer) LoadTask(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	appt, _, err := s.heal(ctx, task)
	if err != nil {
		return nil, err
	}
	return &TaskResult{Task: *task, Appointment: appt}, nil
}

// DeleteTask removes a task together with its bound appointment.
func (s *Synchronizer) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.LinkedAppointmentID != "" {
		err := s.store.Delete(ctx, model.CollectionAppointments, task.LinkedAppointmentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete appointment of task %s: %w", task.ID, err)
		}
	}
	if err := s.store.Delete(ctx, model.CollectionTasks, task.ID); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", task.ID, err)
	}
	return nil
}

// Queue returns the open tasks of collaborator in order.
func (s *Synchronizer) Queue(ctx context.Context, collaborator string) ([]model.Task, error) {
	return s.queue.OpenQueue(ctx, collaborator)
}

// MoveInQueue reorders the open queue of collaborator.
func (s *Synchronizer) MoveInQueue(ctx context.Context, collaborator string, from, to int) ([]model.Task, error) {
	return s.queue.Move(ctx, collaborator, from, to)
}

func (s *Synchronizer) getTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := store.GetAs[model.Task](ctx, s.store, model.CollectionTasks, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return task, nil
}
