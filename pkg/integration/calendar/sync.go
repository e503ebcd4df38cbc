package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/metrics"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/sirupsen/logrus"
)

// CollectionLinks holds one Link per mirrored appointment.
const CollectionLinks = "calendar_links"

// Link records the event an appointment is mirrored to. Its id is the
// appointment id.
type Link struct {
	ID       string    `json:"id"`
	EventID  string    `json:"eventId"`
	SyncKey  string    `json:"syncKey"`
	SyncedAt time.Time `json:"syncedAt"`
}

// Report counts the calendar writes of one pass.
type Report struct {
	Created int
	Updated int
	Deleted int
	Failed  int
}

// Syncer mirrors appointments to Google Calendar. Cancelled and removed
// appointments have their events deleted.
type Syncer struct {
	service  CalendarAPI
	store    store.Store
	loc      *time.Location
	interval time.Duration
	log      *logrus.Entry

	mu       sync.Mutex
	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	unsub    func()
}

// NewSyncer creates a calendar syncer. Appointment times are read in loc.
func NewSyncer(service CalendarAPI, s store.Store, loc *time.Location, interval time.Duration) *Syncer {
	if loc == nil {
		loc = time.Local
	}
	return &Syncer{
		service:  service,
		store:    s,
		loc:      loc,
		interval: interval,
		log:      logrus.WithField("component", "calendar"),
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start runs one pass, then keeps syncing on a ticker and whenever an
// appointment changes.
func (s *Syncer) Start() error {
	if _, err := s.SyncOnce(context.Background()); err != nil {
		s.log.WithError(err).Error("initial calendar sync failed")
	}

	s.unsub = s.store.Subscribe(model.CollectionAppointments, nil, func(store.Change) {
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	})

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-s.trigger:
			case <-s.stopCh:
				return
			}
			if _, err := s.SyncOnce(context.Background()); err != nil {
				s.log.WithError(err).Error("calendar sync failed")
			}
		}
	}()
	return nil
}

// Stop stops the sync loop.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		close(s.stopCh)
	})
}

// SyncOnce pushes every appointment change since the last pass. Failures on
// single events are logged and counted; they are retried on the next pass.
func (s *Syncer) SyncOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	appts, err := store.QueryAs[model.Appointment](ctx, s.store, model.CollectionAppointments)
	if err != nil {
		return report, fmt.Errorf("failed to load appointments: %w", err)
	}
	links, err := store.QueryAs[Link](ctx, s.store, CollectionLinks)
	if err != nil {
		return report, fmt.Errorf("failed to load calendar links: %w", err)
	}
	byID := make(map[string]Link, len(links))
	for _, l := range links {
		byID[l.ID] = l
	}

	for _, a := range appts {
		link, linked := byID[a.ID]
		delete(byID, a.ID)

		if a.Status == model.AppointmentCancelled {
			if linked {
				s.remove(ctx, link, &report)
			}
			continue
		}

		evt := s.toEvent(a)
		key := buildSyncKey(evt)
		switch {
		case !linked:
			s.create(ctx, a.ID, evt, key, &report)
		case link.SyncKey != key:
			s.update(ctx, link, evt, key, &report)
		}
	}

	// Whatever is left points at deleted appointments.
	for _, link := range byID {
		s.remove(ctx, link, &report)
	}

	if report != (Report{}) {
		s.log.WithFields(logrus.Fields{
			"created": report.Created,
			"updated": report.Updated,
			"deleted": report.Deleted,
			"failed":  report.Failed,
		}).Info("calendar sync finished")
	}
	return report, nil
}

func (s *Syncer) create(ctx context.Context, apptID string, evt Event, key string, report *Report) {
	log := s.log.WithField("appointment_id", apptID)
	eventID, err := s.service.CreateEvent(ctx, evt)
	if err != nil {
		s.failed("create", err, log, report)
		return
	}
	rec, err := store.Encode(Link{ID: apptID, EventID: eventID, SyncKey: key, SyncedAt: time.Now().UTC()})
	if err == nil {
		_, err = s.store.Create(ctx, CollectionLinks, rec)
	}
	if err != nil {
		// The event exists but is not tracked; drop it so the next pass starts clean.
		log.WithError(err).Error("failed to record calendar link")
		if derr := s.service.DeleteEvent(ctx, eventID); derr != nil {
			log.WithError(derr).WithField("event_id", eventID).Error("failed to delete untracked event")
		}
		report.Failed++
		return
	}
	metrics.CalendarOperations.WithLabelValues("create", "ok").Inc()
	report.Created++
}

func (s *Syncer) update(ctx context.Context, link Link, evt Event, key string, report *Report) {
	log := s.log.WithFields(logrus.Fields{"appointment_id": link.ID, "event_id": link.EventID})
	if err := s.service.UpdateEvent(ctx, link.EventID, evt); err != nil {
		s.failed("update", err, log, report)
		return
	}
	err := s.store.Update(ctx, CollectionLinks, link.ID, store.Patch{
		"syncKey":  key,
		"syncedAt": time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).Error("failed to update calendar link")
		report.Failed++
		return
	}
	metrics.CalendarOperations.WithLabelValues("update", "ok").Inc()
	report.Updated++
}

func (s *Syncer) remove(ctx context.Context, link Link, report *Report) {
	log := s.log.WithFields(logrus.Fields{"appointment_id": link.ID, "event_id": link.EventID})
	if err := s.service.DeleteEvent(ctx, link.EventID); err != nil {
		s.failed("delete", err, log, report)
		return
	}
	if err := s.store.Delete(ctx, CollectionLinks, link.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Error("failed to delete calendar link")
		report.Failed++
		return
	}
	metrics.CalendarOperations.WithLabelValues("delete", "ok").Inc()
	report.Deleted++
}

func (s *Syncer) failed(op string, err error, log *logrus.Entry, report *Report) {
	metrics.CalendarOperations.WithLabelValues(op, "error").Inc()
	log.WithError(err).Warnf("calendar %s failed", op)
	report.Failed++
}

func (s *Syncer) toEvent(a model.Appointment) Event {
	summary := a.Title
	if summary == "" {
		summary = "Rendez-vous"
	}
	if a.Status == model.AppointmentPending {
		summary = "[À confirmer] " + summary
	}

	var desc []string
	desc = append(desc, "Collaborateur : "+a.CollaboratorRef)
	if a.ClientRef != "" {
		desc = append(desc, "Client : "+a.ClientRef)
	}
	if a.ProjectRef != "" {
		desc = append(desc, "Projet : "+a.ProjectRef)
	}
	if a.TaskID != "" {
		desc = append(desc, "Tâche : "+a.TaskID)
	}

	return Event{
		Summary:     summary,
		Description: strings.Join(desc, "\n"),
		StartTime:   a.Date.At(a.StartTime, s.loc),
		EndTime:     a.Date.At(a.EndTime, s.loc),
	}
}

func buildSyncKey(evt Event) string {
	return fmt.Sprintf("%s|%s|%s|%s",
		evt.Summary,
		evt.StartTime.Format(time.RFC3339),
		evt.EndTime.Format(time.RFC3339),
		evt.Description)
}
