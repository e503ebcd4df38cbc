package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/conflict"
	"github.com/mklimuk/atelier-pilot/pkg/lifecycle"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/ordering"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/mklimuk/atelier-pilot/pkg/store/sqlite"
	"google.golang.org/api/gmail/v1"
)

func message(id, from, subject, body string) *gmail.Message {
	return &gmail.Message{
		Id: id,
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: from},
				{Name: "Subject", Value: subject},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("<p>html</p>"))}},
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte(body))}},
			},
		},
	}
}

func TestInquiryFromMessage(t *testing.T) {
	tests := []struct {
		name      string
		msg       *gmail.Message
		wantName  string
		wantEmail string
		wantBody  string
		wantErr   bool
	}{
		{
			name:      "display name",
			msg:       message("1", `"Jean Dupont" <jean@example.com>`, "Cuisine", "Bonjour, je souhaite un devis."),
			wantName:  "Jean Dupont",
			wantEmail: "jean@example.com",
			wantBody:  "Bonjour, je souhaite un devis.",
		},
		{
			name:      "bare address",
			msg:       message("2", "marie.martin@example.com", "Salle de bain", "Rappelez-moi"),
			wantName:  "marie martin",
			wantEmail: "marie.martin@example.com",
			wantBody:  "Rappelez-moi",
		},
		{name: "invalid sender", msg: message("3", "not an address", "x", "y"), wantErr: true},
		{name: "no payload", msg: &gmail.Message{Id: "4"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inq, err := InquiryFromMessage(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if inq.Name != tt.wantName || inq.Email != tt.wantEmail || inq.Body != tt.wantBody {
				t.Errorf("inquiry = %+v", inq)
			}
			if inq.MessageID != tt.msg.Id {
				t.Errorf("message id = %q", inq.MessageID)
			}
		})
	}
}

func TestGetBody_RawEncoding(t *testing.T) {
	part := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("ok"))},
	}
	if got := GetBody(part); got != "ok" {
		t.Errorf("body = %q", got)
	}
}

type mockSource struct {
	messages []*gmail.Message
	read     []string
	err      error
}

func (m *mockSource) FetchUnread(_ context.Context, _ string) ([]*gmail.Message, error) {
	return m.messages, m.err
}

func (m *mockSource) MarkAsRead(_ context.Context, id string) error {
	m.read = append(m.read, id)
	return nil
}

type mockLeads struct {
	leads   []lifecycle.NewLead
	fail    string
	partial string
}

func (m *mockLeads) CreateLead(_ context.Context, n lifecycle.NewLead) (*lifecycle.LeadResult, error) {
	if n.Email == m.fail {
		return nil, errors.New("store unavailable")
	}
	if n.Email == m.partial {
		m.leads = append(m.leads, n)
		return &lifecycle.LeadResult{Client: model.Client{ID: "c1"}}, errors.New("task not created")
	}
	m.leads = append(m.leads, n)
	return &lifecycle.LeadResult{}, nil
}

func TestPoll(t *testing.T) {
	src := &mockSource{messages: []*gmail.Message{
		message("1", `"Jean Dupont" <jean@example.com>`, "Cuisine", "Devis"),
		message("2", "broken", "x", "y"),
		message("3", `"Paul Leroy" <paul@example.com>`, "Dressing", ""),
	}}
	leads := &mockLeads{fail: "paul@example.com"}
	p := NewPoller(src, "label:contact", time.Minute, LeadHandler(leads, "u1"))

	handled, err := p.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if handled != 1 {
		t.Errorf("handled = %d", handled)
	}
	if len(src.read) != 1 || src.read[0] != "1" {
		t.Errorf("marked as read = %v", src.read)
	}
	if len(leads.leads) != 1 {
		t.Fatalf("leads = %+v", leads.leads)
	}
	lead := leads.leads[0]
	if lead.Name != "Jean Dupont" || lead.CollaboratorRef != "u1" || lead.Note != "Cuisine\n\nDevis" {
		t.Errorf("lead = %+v", lead)
	}
}

func TestPoll_FetchError(t *testing.T) {
	src := &mockSource{err: errors.New("unauthorized")}
	p := NewPoller(src, "", time.Minute, func(context.Context, Inquiry) error { return nil })
	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestPoll_IncompleteLeadIsNotRetried(t *testing.T) {
	src := &mockSource{messages: []*gmail.Message{
		message("1", `"Jean Dupont" <jean@example.com>`, "Cuisine", ""),
	}}
	leads := &mockLeads{partial: "jean@example.com"}
	p := NewPoller(src, "", time.Minute, LeadHandler(leads, "u1"))

	handled, err := p.Poll(context.Background())
	if err != nil || handled != 1 {
		t.Fatalf("poll = %d, %v", handled, err)
	}
	if len(src.read) != 1 || src.read[0] != "1" {
		t.Errorf("marked as read = %v", src.read)
	}
}

// taskFailingStore rejects every write creating a task.
type taskFailingStore struct {
	store.Store
	fail bool
}

func (f *taskFailingStore) Create(ctx context.Context, collection string, rec store.Record) (string, error) {
	if f.fail && collection == model.CollectionTasks {
		return "", errors.New("tasks unavailable")
	}
	return f.Store.Create(ctx, collection, rec)
}

func (f *taskFailingStore) BatchUpdate(ctx context.Context, writes []store.Write) error {
	for _, w := range writes {
		if f.fail && w.Kind == store.WriteCreate && w.Collection == model.CollectionTasks {
			return errors.New("tasks unavailable")
		}
	}
	return f.Store.BatchUpdate(ctx, writes)
}

func TestPoll_LeadWithFailingTaskStore(t *testing.T) {
	db, err := sqlite.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fs := &taskFailingStore{Store: db, fail: true}
	synchronizer := lifecycle.New(fs, ordering.NewService(fs), conflict.NewDetector(fs))
	ctx := context.Background()

	src := &mockSource{messages: []*gmail.Message{
		message("1", `"Jean Dupont" <jean@example.com>`, "Cuisine", "Devis"),
	}}
	p := NewPoller(src, "", time.Minute, LeadHandler(synchronizer, "u1"))

	for i := 0; i < 3; i++ {
		if _, err := p.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	clients, _ := db.Query(ctx, model.CollectionClients)
	if len(clients) != 0 {
		t.Errorf("clients after failed polls = %d", len(clients))
	}
	if len(src.read) != 0 {
		t.Errorf("message marked as read before its lead was stored: %v", src.read)
	}

	fs.fail = false
	if _, err := p.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	clients, _ = db.Query(ctx, model.CollectionClients)
	tasks, _ := db.Query(ctx, model.CollectionTasks)
	if len(clients) != 1 || len(tasks) != 1 {
		t.Errorf("clients = %d, tasks = %d", len(clients), len(tasks))
	}
	if len(src.read) != 1 || src.read[0] != "1" {
		t.Errorf("marked as read = %v", src.read)
	}
}
