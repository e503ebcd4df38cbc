package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mklimuk/atelier-pilot/pkg/metrics"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/mklimuk/atelier-pilot/pkg/taxonomy"
	"github.com/mklimuk/atelier-pilot/pkg/title"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Follow-up steps run after a project is created.
const (
	StepPromoteClient  = "promote_client"
	StepCloseLeadTasks = "close_lead_tasks"
)

// StepError is the failure of one follow-up step.
type StepError struct {
	Step string
	Err  error
}

// PartialFailureError reports a project that was created while some of its
// follow-up steps failed. The project flags record what is still pending and
// ResumeLeadClosures retries it.
type PartialFailureError struct {
	ProjectID string
	Steps     []StepError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		parts = append(parts, fmt.Sprintf("%s: %v", s.Step, s.Err))
	}
	return fmt.Sprintf("project %s created with failed steps: %s", e.ProjectID, strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Steps))
	for _, s := range e.Steps {
		errs = append(errs, s.Err)
	}
	return errs
}

// NewLead describes an inbound prospect.
type NewLead struct {
	Name            string
	Email           string
	Phone           string
	Note            string
	CollaboratorRef string
}

// LeadResult is a new lead client with its qualification task.
type LeadResult struct {
	Client model.Client `json:"client"`
	Task   *model.Task  `json:"task,omitempty"`
}

// CreateLead stores a client in the lead state together with an auto-lead
// task asking the collaborator to qualify it. Both are written in one batch:
// either the lead exists with its task or nothing was stored.
func (s *Synchronizer) CreateLead(ctx context.Context, n NewLead) (*LeadResult, error) {
	name := title.NormalizeName(n.Name)
	if name == "" {
		return nil, model.Invalid("name", "is required")
	}
	if strings.TrimSpace(n.CollaboratorRef) == "" {
		return nil, model.Invalid("collaboratorRef", "is required")
	}

	now := s.now().UTC()
	client := model.Client{
		Name:      name,
		Email:     strings.TrimSpace(n.Email),
		Phone:     strings.TrimSpace(n.Phone),
		Status:    model.ClientLead,
		CreatedAt: now,
		UpdatedAt: now,
	}
	clientRec, err := store.Encode(client)
	if err != nil {
		return nil, err
	}
	client.ID = store.AssignID(clientRec)

	task, err := s.buildTask(ctx, NewTask{
		Kind:            model.KindAutoLead,
		Label:           taxonomy.LabelToQualify,
		Subject:         name,
		Note:            n.Note,
		CollaboratorRef: n.CollaboratorRef,
		ClientRef:       client.ID,
	})
	if err != nil {
		return nil, err
	}
	taskRec, err := store.Encode(task)
	if err != nil {
		return nil, err
	}
	task.ID = store.AssignID(taskRec)

	err = s.store.BatchUpdate(ctx, []store.Write{
		store.CreateWrite(model.CollectionClients, clientRec),
		store.CreateWrite(model.CollectionTasks, taskRec),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lead: %w", err)
	}
	s.log.WithFields(logrus.Fields{"client_id": client.ID, "task_id": task.ID}).Info("lead created")
	return &LeadResult{Client: client, Task: task}, nil
}

// SetClientStatus changes a client's status by hand. A client never returns
// to the lead state.
func (s *Synchronizer) SetClientStatus(ctx context.Context, clientID string, status model.ClientStatus) (*model.Client, error) {
	if !status.Valid() {
		return nil, model.Invalid("status", "unknown client status %q", status)
	}
	client, err := store.GetAs[model.Client](ctx, s.store, model.CollectionClients, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load client %s: %w", clientID, err)
	}
	if status == client.Status {
		return client, nil
	}
	if status == model.ClientLead {
		return nil, model.Invalid("status", "client %s cannot return to lead", clientID)
	}

	now := s.now().UTC()
	err = s.store.Update(ctx, model.CollectionClients, clientID, store.Patch{
		model.FieldStatus:    status,
		model.FieldUpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update client %s: %w", clientID, err)
	}
	client.Status = status
	client.UpdatedAt = now
	return client, nil
}

// NewProject describes a project to open for a client.
type NewProject struct {
	ClientRef string
	Name      string
}

// CreateProject creates the project, then concurrently promotes the client
// and closes its open auto-lead tasks. When a follow-up step fails the
// project is still returned, together with a *PartialFailureError.
func (s *Synchronizer) CreateProject(ctx context.Context, n NewProject) (*model.Project, error) {
	if strings.TrimSpace(n.ClientRef) == "" {
		return nil, model.Invalid("clientRef", "is required")
	}
	client, err := store.GetAs[model.Client](ctx, s.store, model.CollectionClients, n.ClientRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load client %s: %w", n.ClientRef, err)
	}

	name := strings.TrimSpace(n.Name)
	if name == "" {
		name = "Projet " + client.Name
	}
	now := s.now().UTC()
	project := model.Project{
		ClientRef: client.ID,
		Name:      name,
		Status:    model.ProjectInitialStatus,
		Progress:  model.ProjectInitialProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec, err := store.Encode(project)
	if err != nil {
		return nil, err
	}
	id, err := s.store.Create(ctx, model.CollectionProjects, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	project.ID = id
	s.log.WithFields(logrus.Fields{"project_id": id, "client_id": client.ID}).Info("project created")

	if err := s.completeProject(ctx, &project); err != nil {
		return &project, err
	}
	return &project, nil
}

// ResumeLeadClosures retries the follow-up steps of every project whose
// flags show them pending. It returns the number of projects completed.
func (s *Synchronizer) ResumeLeadClosures(ctx context.Context) (int, error) {
	pending := make(map[string]model.Project)
	for _, flag := range []string{model.FieldClientPromoted, model.FieldAutoTasksClosed} {
		projects, err := store.QueryAs[model.Project](ctx, s.store, model.CollectionProjects, store.Ne(flag, true))
		if err != nil {
			return 0, fmt.Errorf("failed to find pending projects: %w", err)
		}
		for _, p := range projects {
			pending[p.ID] = p
		}
	}

	done := 0
	var errs []error
	for _, p := range pending {
		if err := s.completeProject(ctx, &p); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	if done > 0 {
		s.log.WithField("projects", done).Info("resumed project follow-up steps")
	}
	return done, errors.Join(errs...)
}

// completeProject runs the pending follow-up steps of p concurrently. Both
// steps are attempted even when the other fails.
func (s *Synchronizer) completeProject(ctx context.Context, p *model.Project) error {
	var (
		g    errgroup.Group
		errs [2]error
	)
	if !p.ClientPromoted {
		g.Go(func() error {
			errs[0] = s.promoteClient(ctx, p)
			return errs[0]
		})
	}
	if !p.AutoTasksClosed {
		g.Go(func() error {
			errs[1] = s.closeLeadTasks(ctx, p)
			return errs[1]
		})
	}
	if err := g.Wait(); err == nil {
		p.ClientPromoted = true
		p.AutoTasksClosed = true
		return nil
	}

	failure := &PartialFailureError{ProjectID: p.ID}
	for i, step := range []string{StepPromoteClient, StepCloseLeadTasks} {
		if errs[i] == nil {
			continue
		}
		failure.Steps = append(failure.Steps, StepError{Step: step, Err: errs[i]})
		metrics.LeadClosureFailures.WithLabelValues(step).Inc()
		s.log.WithError(errs[i]).WithFields(logrus.Fields{
			"project_id": p.ID,
			"step":       step,
		}).Error("project follow-up step failed")
	}
	p.ClientPromoted = errs[0] == nil
	p.AutoTasksClosed = errs[1] == nil
	return failure
}

// followUpAttempts bounds the retries of a follow-up step whose conditional
// batch lost a race with a concurrent writer.
const followUpAttempts = 3

// retryFollowUp runs step until it succeeds, fails with something other than
// a write conflict, or the stored project shows the step done by someone else.
func (s *Synchronizer) retryFollowUp(ctx context.Context, p *model.Project, flag string, step func() error) (bool, error) {
	var err error
	for attempt := 0; attempt < followUpAttempts; attempt++ {
		err = step()
		if !errors.Is(err, store.ErrConflict) {
			return false, err
		}
		stored, gerr := store.GetAs[model.Project](ctx, s.store, model.CollectionProjects, p.ID)
		if gerr != nil {
			return false, fmt.Errorf("failed to reload project %s: %w", p.ID, gerr)
		}
		if (flag == model.FieldClientPromoted && stored.ClientPromoted) ||
			(flag == model.FieldAutoTasksClosed && stored.AutoTasksClosed) {
			s.log.WithFields(logrus.Fields{"project_id": p.ID, "flag": flag}).Debug("follow-up step already done")
			return true, nil
		}
	}
	return false, err
}

// promoteClient increments the client's project count and moves a lead to
// prospect, flagging the project in the same batch. The batch only applies
// while the project is unflagged and the client unchanged since it was read.
func (s *Synchronizer) promoteClient(ctx context.Context, p *model.Project) error {
	var (
		client   *model.Client
		promoted bool
	)
	done, err := s.retryFollowUp(ctx, p, model.FieldClientPromoted, func() error {
		var err error
		client, err = store.GetAs[model.Client](ctx, s.store, model.CollectionClients, p.ClientRef)
		if err != nil {
			return fmt.Errorf("failed to load client %s: %w", p.ClientRef, err)
		}

		now := s.now().UTC()
		patch := store.Patch{
			model.FieldProjectCount: client.ProjectCount + 1,
			model.FieldUpdatedAt:    now,
		}
		promoted = client.Status == model.ClientLead
		if promoted {
			patch[model.FieldStatus] = model.ClientProspect
		}
		err = s.store.BatchUpdate(ctx, []store.Write{
			store.UpdateIfWrite(model.CollectionClients, client.ID, patch,
				store.Eq(model.FieldProjectCount, client.ProjectCount),
				store.Eq(model.FieldStatus, client.Status)),
			store.UpdateIfWrite(model.CollectionProjects, p.ID, store.Patch{
				model.FieldClientPromoted: true,
				model.FieldUpdatedAt:      now,
			}, store.Ne(model.FieldClientPromoted, true)),
		})
		if err != nil {
			return fmt.Errorf("failed to promote client %s: %w", client.ID, err)
		}
		return nil
	})
	if err != nil || done {
		return err
	}

	client.ProjectCount++
	if promoted {
		client.Status = model.ClientProspect
		metrics.ClientPromotions.Inc()
		s.log.WithFields(logrus.Fields{"client_id": client.ID, "project_id": p.ID}).Info("lead promoted to prospect")
		if s.notifier != nil {
			s.notifier.ClientPromoted(ctx, *client, *p)
		}
	}
	return nil
}

// closeLeadTasks completes every open auto-lead task of the project's
// client, retitles their bound appointments and flags the project in the
// same batch.
func (s *Synchronizer) closeLeadTasks(ctx context.Context, p *model.Project) error {
	var closed int
	_, err := s.retryFollowUp(ctx, p, model.FieldAutoTasksClosed, func() error {
		writes, n, err := s.leadClosureWrites(ctx, p)
		if err != nil {
			return err
		}
		if err := s.store.BatchUpdate(ctx, writes); err != nil {
			return fmt.Errorf("failed to close lead tasks of client %s: %w", p.ClientRef, err)
		}
		closed = n
		return nil
	})
	if err != nil {
		return err
	}
	if closed > 0 {
		s.log.WithFields(logrus.Fields{"client_id": p.ClientRef, "tasks": closed}).Info("lead tasks closed")
	}
	return nil
}

func (s *Synchronizer) leadClosureWrites(ctx context.Context, p *model.Project) ([]store.Write, int, error) {
	tasks, err := store.QueryAs[model.Task](ctx, s.store, model.CollectionTasks,
		store.Eq(model.FieldClientRef, p.ClientRef),
		store.Eq(model.FieldKind, model.KindAutoLead),
		store.Ne(model.FieldOperationalStatus, model.StatusCompleted))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find lead tasks of client %s: %w", p.ClientRef, err)
	}

	now := s.now().UTC()
	label := taxonomy.TerminalLabel(model.KindAutoLead)
	next := make(map[string]int)
	writes := make([]store.Write, 0, 2*len(tasks)+1)
	for _, t := range tasks {
		index, ok := next[t.CollaboratorRef]
		if !ok {
			index, err = s.queue.NextIndex(ctx, t.CollaboratorRef, true)
			if err != nil {
				return nil, 0, err
			}
		}
		next[t.CollaboratorRef] = index + 1

		newTitle := title.Title(label, t.Subject)
		writes = append(writes, store.UpdateIfWrite(model.CollectionTasks, t.ID, store.Patch{
			model.FieldStatusLabel:       label,
			model.FieldOperationalStatus: model.StatusCompleted,
			model.FieldTitle:             newTitle,
			model.FieldOrderIndex:        index,
			model.FieldUpdatedAt:         now,
		}, store.Ne(model.FieldOperationalStatus, model.StatusCompleted)))

		if t.LinkedAppointmentID == "" {
			continue
		}
		appt, err := store.GetAs[model.Appointment](ctx, s.store, model.CollectionAppointments, t.LinkedAppointmentID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load appointment %s: %w", t.LinkedAppointmentID, err)
		}
		if appt.TaskID != t.ID || appt.Title == newTitle {
			continue
		}
		writes = append(writes, store.UpdateIfWrite(model.CollectionAppointments, appt.ID, store.Patch{
			model.FieldTitle:     newTitle,
			model.FieldUpdatedAt: now,
		}, store.Eq(model.FieldTaskID, t.ID)))
	}
	writes = append(writes, store.UpdateIfWrite(model.CollectionProjects, p.ID, store.Patch{
		model.FieldAutoTasksClosed: true,
		model.FieldUpdatedAt:       now,
	}, store.Ne(model.FieldAutoTasksClosed, true)))
	return writes, len(tasks), nil
}
