package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mklimuk/atelier-pilot/pkg/conflict"
	"github.com/mklimuk/atelier-pilot/pkg/metrics"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/sirupsen/logrus"
)

// ScheduleRequest is the "schedule this task" toggle with its slot.
type ScheduleRequest struct {
	Enabled bool        `json:"enabled"`
	Date    model.Date  `json:"date"`
	Start   model.Clock `json:"start"`
	End     model.Clock `json:"end"`
}

func (r ScheduleRequest) candidate(collaborator string) conflict.Candidate {
	return conflict.Candidate{Date: r.Date, Start: r.Start, End: r.End, CollaboratorRef: collaborator}
}

// Schedule binds a task to at most one appointment.
//
//	enabled, no live appointment  -> create it, then link the task
//	enabled, appointment exists   -> update it in place when the slot changed
//	disabled, appointment exists  -> delete it, then clear the link
//	disabled, nothing linked      -> no-op
//
// If linking the task fails after the appointment was created, the
// appointment is deleted again so that no orphan is left behind.
func (s *Synchronizer) Schedule(ctx context.Context, taskID string, req ScheduleRequest) (*TaskResult, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	log := s.log.WithField("task_id", task.ID)

	if !req.Enabled {
		return s.unschedule(ctx, task)
	}

	cand := req.candidate(task.CollaboratorRef)
	if err := cand.Validate(); err != nil {
		return nil, err
	}

	existing, _, err := s.heal(ctx, task)
	if err != nil {
		return nil, err
	}

	excludeID := ""
	if existing != nil {
		excludeID = existing.ID
	}
	conflicts, err := s.conflicts.FindConflicts(ctx, cand, excludeID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var appt model.Appointment
	if existing == nil {
		appt = model.Appointment{
			Date:            req.Date,
			StartTime:       req.Start,
			EndTime:         req.End,
			Title:           task.Title,
			CollaboratorRef: task.CollaboratorRef,
			ClientRef:       task.ClientRef,
			ProjectRef:      task.ProjectRef,
			TaskID:          task.ID,
			Status:          model.AppointmentConfirmed,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		rec, err := store.Encode(appt)
		if err != nil {
			return nil, err
		}
		id, err := s.store.Create(ctx, model.CollectionAppointments, rec)
		if err != nil {
			return nil, fmt.Errorf("failed to create appointment for task %s: %w", task.ID, err)
		}
		appt.ID = id

		err = s.store.Update(ctx, model.CollectionTasks, task.ID, store.Patch{
			model.FieldLinkedAppointmentID: id,
			model.FieldUpdatedAt:           now,
		})
		if err != nil {
			if derr := s.store.Delete(ctx, model.CollectionAppointments, id); derr != nil {
				log.WithError(derr).WithField("appointment_id", id).Error("failed to remove appointment after link failure")
			}
			return nil, fmt.Errorf("failed to link task %s to appointment: %w", task.ID, err)
		}
		task.LinkedAppointmentID = id
		task.UpdatedAt = now
		log.WithField("appointment_id", id).Info("appointment created for task")
	} else {
		appt = *existing
		if !appt.Date.Equal(req.Date) || appt.StartTime != req.Start || appt.EndTime != req.End || appt.Title != task.Title {
			err := s.store.Update(ctx, model.CollectionAppointments, appt.ID, store.Patch{
				model.FieldDate:      req.Date,
				model.FieldStartTime: req.Start,
				model.FieldEndTime:   req.End,
				model.FieldTitle:     task.Title,
				model.FieldUpdatedAt: now,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to update appointment %s: %w", appt.ID, err)
			}
			appt.Date, appt.StartTime, appt.EndTime, appt.Title = req.Date, req.Start, req.End, task.Title
			appt.UpdatedAt = now
			log.WithField("appointment_id", appt.ID).Info("appointment moved")
		}
	}

	s.announceConflicts(ctx, appt, conflicts)
	return &TaskResult{Task: *task, Appointment: &appt, Conflicts: conflicts}, nil
}

func (s *Synchronizer) unschedule(ctx context.Context, task *model.Task) (*TaskResult, error) {
	if task.LinkedAppointmentID == "" {
		return &TaskResult{Task: *task}, nil
	}
	err := s.store.Delete(ctx, model.CollectionAppointments, task.LinkedAppointmentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to delete appointment %s: %w", task.LinkedAppointmentID, err)
	}
	now := s.now().UTC()
	err = s.store.Update(ctx, model.CollectionTasks, task.ID, store.Patch{
		model.FieldLinkedAppointmentID: nil,
		model.FieldUpdatedAt:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unlink task %s: %w", task.ID, err)
	}
	s.log.WithFields(logrus.Fields{"task_id": task.ID, "appointment_id": task.LinkedAppointmentID}).Info("appointment removed from task")
	task.LinkedAppointmentID = ""
	task.UpdatedAt = now
	return &TaskResult{Task: *task}, nil
}

// heal returns the live appointment of task. A dangling link is replaced by
// an appointment pointing back at the task, or cleared when none exists.
// The task is updated in place; repaired reports whether a write happened.
func (s *Synchronizer) heal(ctx context.Context, task *model.Task) (*model.Appointment, bool, error) {
	if task.LinkedAppointmentID != "" {
		appt, err := store.GetAs[model.Appointment](ctx, s.store, model.CollectionAppointments, task.LinkedAppointmentID)
		switch {
		case err == nil && appt.TaskID == task.ID:
			return appt, false, nil
		case err == nil:
			// Points at an appointment owned by something else.
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("failed to load appointment %s: %w", task.LinkedAppointmentID, err)
		}
	}

	candidates, err := store.QueryAs[model.Appointment](ctx, s.store, model.CollectionAppointments,
		store.Eq(model.FieldTaskID, task.ID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to find appointments of task %s: %w", task.ID, err)
	}
	var found *model.Appointment
	if len(candidates) > 0 {
		slices.SortStableFunc(candidates, func(a, b model.Appointment) int {
			return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
		})
		found = &candidates[0]
	}

	link := ""
	if found != nil {
		link = found.ID
	}
	if link == task.LinkedAppointmentID {
		return found, false, nil
	}

	patch := store.Patch{model.FieldLinkedAppointmentID: nil, model.FieldUpdatedAt: s.now().UTC()}
	repair := "cleared"
	if found != nil {
		patch[model.FieldLinkedAppointmentID] = link
		repair = "relinked"
	}
	if err := s.store.Update(ctx, model.CollectionTasks, task.ID, patch); err != nil {
		return nil, false, fmt.Errorf("failed to repair link of task %s: %w", task.ID, err)
	}
	metrics.LinkRepairs.WithLabelValues(repair).Inc()
	s.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"from":    task.LinkedAppointmentID,
		"to":      link,
	}).Warn("task appointment link repaired")
	task.LinkedAppointmentID = link
	return found, true, nil
}

// NewAppointment describes an appointment created from the calendar view.
type NewAppointment struct {
	Date            model.Date
	Start           model.Clock
	End             model.Clock
	Title           string
	CollaboratorRef string
	ClientRef       string
	ProjectRef      string
	Status          model.AppointmentStatus
}

// AppointmentResult is an appointment with the advisory conflicts of its slot.
type AppointmentResult struct {
	Appointment model.Appointment   `json:"appointment"`
	Conflicts   []model.Appointment `json:"conflicts,omitempty"`
}

// CreateAppointment books a standalone appointment.
func (s *Synchronizer) CreateAppointment(ctx context.Context, n NewAppointment) (*AppointmentResult, error) {
	cand := conflict.Candidate{Date: n.Date, Start: n.Start, End: n.End, CollaboratorRef: strings.TrimSpace(n.CollaboratorRef)}
	if err := cand.Validate(); err != nil {
		return nil, err
	}
	status := n.Status
	if status == "" {
		status = model.AppointmentConfirmed
	}
	if !status.Valid() {
		return nil, model.Invalid("status", "unknown appointment status %q", status)
	}

	conflicts, err := s.conflicts.FindConflicts(ctx, cand, "")
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	appt := model.Appointment{
		Date:            n.Date,
		StartTime:       n.Start,
		EndTime:         n.End,
		Title:           strings.TrimSpace(n.Title),
		CollaboratorRef: cand.CollaboratorRef,
		ClientRef:       n.ClientRef,
		ProjectRef:      n.ProjectRef,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	rec, err := store.Encode(appt)
	if err != nil {
		return nil, err
	}
	id, err := s.store.Create(ctx, model.CollectionAppointments, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}
	appt.ID = id

	s.announceConflicts(ctx, appt, conflicts)
	return &AppointmentResult{Appointment: appt, Conflicts: conflicts}, nil
}

// AppointmentUpdate holds the fields a calendar edit may change.
type AppointmentUpdate struct {
	Date   *model.Date              `json:"date,omitempty"`
	Start  *model.Clock             `json:"start,omitempty"`
	End    *model.Clock             `json:"end,omitempty"`
	Title  *string                  `json:"title,omitempty"`
	Status *model.AppointmentStatus `json:"status,omitempty"`
}

// UpdateAppointment applies a calendar-side edit. The owning task is left
// untouched; its link still points at the same appointment.
func (s *Synchronizer) UpdateAppointment(ctx context.Context, id string, u AppointmentUpdate) (*AppointmentResult, error) {
	appt, err := store.GetAs[model.Appointment](ctx, s.store, model.CollectionAppointments, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load appointment %s: %w", id, err)
	}

	now := s.now().UTC()
	patch := store.Patch{model.FieldUpdatedAt: now}
	if u.Date != nil {
		appt.Date = *u.Date
		patch[model.FieldDate] = appt.Date
	}
	if u.Start != nil {
		appt.StartTime = *u.Start
		patch[model.FieldStartTime] = appt.StartTime
	}
	if u.End != nil {
		appt.EndTime = *u.End
		patch[model.FieldEndTime] = appt.EndTime
	}
	if u.Title != nil {
		appt.Title = strings.TrimSpace(*u.Title)
		patch[model.FieldTitle] = appt.Title
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, model.Invalid("status", "unknown appointment status %q", *u.Status)
		}
		appt.Status = *u.Status
		patch[model.FieldStatus] = appt.Status
	}

	cand := conflict.CandidateOf(*appt)
	if err := cand.Validate(); err != nil {
		return nil, err
	}
	conflicts, err := s.conflicts.FindConflicts(ctx, cand, appt.ID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, model.CollectionAppointments, appt.ID, patch); err != nil {
		return nil, fmt.Errorf("failed to update appointment %s: %w", appt.ID, err)
	}
	appt.UpdatedAt = now

	if appt.Status != model.AppointmentCancelled {
		s.announceConflicts(ctx, *appt, conflicts)
	}
	return &AppointmentResult{Appointment: *appt, Conflicts: conflicts}, nil
}

// DeleteAppointment removes an appointment and clears the link of the task
// that owns it.
func (s *Synchronizer) DeleteAppointment(ctx context.Context, id string) error {
	appt, err := store.GetAs[model.Appointment](ctx, s.store, model.CollectionAppointments, id)
	if err != nil {
		return fmt.Errorf("failed to load appointment %s: %w", id, err)
	}
	if err := s.store.Delete(ctx, model.CollectionAppointments, id); err != nil {
		return fmt.Errorf("failed to delete appointment %s: %w", id, err)
	}
	if appt.TaskID == "" {
		return nil
	}

	task, err := s.getTask(ctx, appt.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.LinkedAppointmentID != id {
		return nil
	}
	err = s.store.Update(ctx, model.CollectionTasks, task.ID, store.Patch{
		model.FieldLinkedAppointmentID: nil,
		model.FieldUpdatedAt:           s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to unlink task %s: %w", task.ID, err)
	}
	return nil
}

// Agenda returns the appointments of collaborator on date by start time.
func (s *Synchronizer) Agenda(ctx context.Context, collaborator string, date model.Date) ([]model.Appointment, error) {
	appts, err := store.QueryAs[model.Appointment](ctx, s.store, model.CollectionAppointments,
		store.Eq(model.FieldCollaboratorRef, collaborator),
		store.Eq(model.FieldDate, date.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to load agenda of %s: %w", collaborator, err)
	}
	slices.SortStableFunc(appts, func(a, b model.Appointment) int {
		return cmp.Compare(a.StartTime, b.StartTime)
	})
	return appts, nil
}

// FindConflicts runs an advisory check for a slot being edited.
func (s *Synchronizer) FindConflicts(ctx context.Context, c conflict.Candidate, excludeID string) ([]model.Appointment, error) {
	return s.conflicts.FindConflicts(ctx, c, excludeID)
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	TasksChecked      int `json:"tasksChecked"`
	LinksRepaired     int `json:"linksRepaired"`
	AppointmentsFreed int `json:"appointmentsFreed"`
}

// Reconcile repairs the link of one task.
func (s *Synchronizer) Reconcile(ctx context.Context, taskID string) (bool, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	_, repaired, err := s.heal(ctx, task)
	return repaired, err
}

// ReconcileAll repairs every task link, then drops the task reference of
// appointments that no task links to.
func (s *Synchronizer) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	tasks, err := store.QueryAs[model.Task](ctx, s.store, model.CollectionTasks)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	report := &ReconcileReport{}
	links := make(map[string]string, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		report.TasksChecked++
		_, repaired, err := s.heal(ctx, task)
		if err != nil {
			return report, err
		}
		if repaired {
			report.LinksRepaired++
		}
		links[task.ID] = task.LinkedAppointmentID
	}

	appts, err := store.QueryAs[model.Appointment](ctx, s.store, model.CollectionAppointments,
		store.Exists(model.FieldTaskID))
	if err != nil {
		return report, fmt.Errorf("failed to load task appointments: %w", err)
	}
	for _, a := range appts {
		if link, ok := links[a.TaskID]; ok && link == a.ID {
			continue
		}
		// The task may have been scheduled since it was read above.
		owned, repaired, err := s.ownedByTask(ctx, a)
		if err != nil {
			return report, err
		}
		if repaired {
			report.LinksRepaired++
		}
		if owned {
			continue
		}
		err = s.store.BatchUpdate(ctx, []store.Write{
			store.UpdateIfWrite(model.CollectionAppointments, a.ID, store.Patch{
				model.FieldTaskID:    nil,
				model.FieldUpdatedAt: s.now().UTC(),
			}, store.Eq(model.FieldTaskID, a.TaskID)),
		})
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("failed to detach appointment %s: %w", a.ID, err)
		}
		metrics.LinkRepairs.WithLabelValues("detached").Inc()
		report.AppointmentsFreed++
	}

	if report.LinksRepaired > 0 || report.AppointmentsFreed > 0 {
		s.log.WithFields(logrus.Fields{
			"tasks":    report.TasksChecked,
			"repaired": report.LinksRepaired,
			"freed":    report.AppointmentsFreed,
		}).Info("reconciliation finished")
	}
	return report, nil
}

// ownedByTask reloads the task a references and heals its link. It reports
// whether the task now links to a.
func (s *Synchronizer) ownedByTask(ctx context.Context, a model.Appointment) (bool, bool, error) {
	task, err := store.GetAs[model.Task](ctx, s.store, model.CollectionTasks, a.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to load task %s: %w", a.TaskID, err)
	}
	_, repaired, err := s.heal(ctx, task)
	if err != nil {
		return false, false, err
	}
	return task.LinkedAppointmentID == a.ID, repaired, nil
}

func (s *Synchronizer) announceConflicts(ctx context.Context, appt model.Appointment, conflicts []model.Appointment) {
	if len(conflicts) == 0 {
		return
	}
	s.log.WithFields(logrus.Fields{
		"appointment_id": appt.ID,
		"collaborator":   appt.CollaboratorRef,
		"conflicts":      len(conflicts),
	}).Info("scheduling conflict detected")
	if s.notifier != nil {
		s.notifier.ConflictsDetected(ctx, appt, conflicts)
	}
}
