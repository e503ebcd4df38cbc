package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/mklimuk/atelier-pilot/pkg/store/sqlite"
)

// mockCalendarAPI is a test double for CalendarAPI.
type mockCalendarAPI struct {
	mu        sync.Mutex
	events    map[string]Event
	updates   []string
	deletes   []string
	nextID    int
	createErr error
}

func newMockCalendarAPI() *mockCalendarAPI {
	return &mockCalendarAPI{events: make(map[string]Event), nextID: 100}
}

func (m *mockCalendarAPI) CreateEvent(_ context.Context, e Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	id := fmt.Sprintf("evt-%d", m.nextID)
	m.events[id] = e
	return id, nil
}

func (m *mockCalendarAPI) UpdateEvent(_ context.Context, eventID string, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, eventID)
	m.events[eventID] = e
	return nil
}

func (m *mockCalendarAPI) DeleteEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, eventID)
	delete(m.events, eventID)
	return nil
}

func (m *mockCalendarAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func setupStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addAppointment(t *testing.T, s store.Store, a model.Appointment) string {
	t.Helper()
	rec, err := store.Encode(a)
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Create(context.Background(), model.CollectionAppointments, rec)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func visit() model.Appointment {
	return model.Appointment{
		Date:            model.NewDate(2026, 3, 2),
		StartTime:       model.NewClock(9, 0),
		EndTime:         model.NewClock(10, 0),
		Title:           "Visite technique",
		CollaboratorRef: "u1",
		ClientRef:       "c1",
		Status:          model.AppointmentConfirmed,
	}
}

func TestSyncOnce_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	api := newMockCalendarAPI()
	paris := time.FixedZone("CET", 3600)
	syncer := NewSyncer(api, s, paris, time.Hour)

	id := addAppointment(t, s, visit())
	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Created != 1 || api.count() != 1 {
		t.Fatalf("report = %+v, events = %d", report, api.count())
	}
	link, err := store.GetAs[Link](ctx, s, CollectionLinks, id)
	if err != nil {
		t.Fatalf("link not recorded: %v", err)
	}
	evt := api.events[link.EventID]
	if evt.Summary != "Visite technique" {
		t.Errorf("summary = %q", evt.Summary)
	}
	if !strings.Contains(evt.Description, "Client : c1") {
		t.Errorf("description = %q", evt.Description)
	}
	if evt.StartTime.Location() != paris || evt.StartTime.Hour() != 9 {
		t.Errorf("start = %v", evt.StartTime)
	}

	// Unchanged appointment: nothing to do.
	report, _ = syncer.SyncOnce(ctx)
	if report != (Report{}) {
		t.Errorf("second pass = %+v", report)
	}

	if err := s.Update(ctx, model.CollectionAppointments, id, store.Patch{model.FieldStartTime: model.NewClock(8, 30)}); err != nil {
		t.Fatal(err)
	}
	report, _ = syncer.SyncOnce(ctx)
	if report.Updated != 1 || len(api.updates) != 1 || api.updates[0] != link.EventID {
		t.Errorf("after move: report = %+v, updates = %v", report, api.updates)
	}

	if err := s.Update(ctx, model.CollectionAppointments, id, store.Patch{model.FieldStatus: model.AppointmentCancelled}); err != nil {
		t.Fatal(err)
	}
	report, _ = syncer.SyncOnce(ctx)
	if report.Deleted != 1 || api.count() != 0 {
		t.Errorf("after cancel: report = %+v, events = %d", report, api.count())
	}
	if _, err := s.Get(ctx, CollectionLinks, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("link should be removed, got %v", err)
	}
}

func TestSyncOnce_DeletedAppointment(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	api := newMockCalendarAPI()
	syncer := NewSyncer(api, s, time.UTC, time.Hour)

	id := addAppointment(t, s, visit())
	syncer.SyncOnce(ctx)
	if err := s.Delete(ctx, model.CollectionAppointments, id); err != nil {
		t.Fatal(err)
	}

	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Deleted != 1 || len(api.deletes) != 1 {
		t.Errorf("report = %+v, deletes = %v", report, api.deletes)
	}
}

func TestSyncOnce_PendingAndCancelled(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	api := newMockCalendarAPI()
	syncer := NewSyncer(api, s, time.UTC, time.Hour)

	pending := visit()
	pending.Status = model.AppointmentPending
	pending.Title = ""
	addAppointment(t, s, pending)

	cancelled := visit()
	cancelled.Status = model.AppointmentCancelled
	addAppointment(t, s, cancelled)

	report, _ := syncer.SyncOnce(ctx)
	if report.Created != 1 {
		t.Fatalf("report = %+v", report)
	}
	for _, e := range api.events {
		if e.Summary != "[À confirmer] Rendez-vous" {
			t.Errorf("summary = %q", e.Summary)
		}
	}
}

func TestSyncOnce_CreateFailureRetried(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	api := newMockCalendarAPI()
	api.createErr = errors.New("quota exceeded")
	syncer := NewSyncer(api, s, time.UTC, time.Hour)

	id := addAppointment(t, s, visit())
	report, err := syncer.SyncOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || report.Created != 0 {
		t.Errorf("report = %+v", report)
	}
	if _, err := s.Get(ctx, CollectionLinks, id); !errors.Is(err, store.ErrNotFound) {
		t.Error("failed create must not record a link")
	}

	api.createErr = nil
	report, _ = syncer.SyncOnce(ctx)
	if report.Created != 1 {
		t.Errorf("retry report = %+v", report)
	}
}

func TestSyncer_TriggeredByChange(t *testing.T) {
	s := setupStore(t)
	api := newMockCalendarAPI()
	syncer := NewSyncer(api, s, time.UTC, time.Hour)
	if err := syncer.Start(); err != nil {
		t.Fatal(err)
	}
	defer syncer.Stop()

	addAppointment(t, s, visit())

	deadline := time.Now().Add(2 * time.Second)
	for api.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("appointment change did not trigger a sync")
		}
		time.Sleep(10 * time.Millisecond)
	}
	syncer.Stop()
}

func TestBuildSyncKey(t *testing.T) {
	base := Event{
		Summary:   "Visite",
		StartTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	moved := base
	moved.EndTime = moved.EndTime.Add(30 * time.Minute)
	renamed := base
	renamed.Summary = "Métré"

	if buildSyncKey(base) == buildSyncKey(moved) || buildSyncKey(base) == buildSyncKey(renamed) {
		t.Error("sync key must change with the slot and the summary")
	}
	if buildSyncKey(base) != buildSyncKey(base) {
		t.Error("sync key must be stable")
	}
}
