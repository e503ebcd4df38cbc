package gmail

import (
	"context"
	"strings"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/lifecycle"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/gmail/v1"
)

// MessageSource is the part of Service used by Poller.
type MessageSource interface {
	FetchUnread(ctx context.Context, query string) ([]*gmail.Message, error)
	MarkAsRead(ctx context.Context, id string) error
}

// Handler processes one inquiry. A message is marked as read only when its
// handler succeeds.
type Handler func(ctx context.Context, inq Inquiry) error

// Poller checks for new emails periodically
type Poller struct {
	source   MessageSource
	query    string
	interval time.Duration
	handler  Handler
	log      *logrus.Entry
	stop     chan struct{}
}

// NewPoller creates a new Poller
func NewPoller(source MessageSource, query string, interval time.Duration, handler Handler) *Poller {
	return &Poller{
		source:   source,
		query:    query,
		interval: interval,
		handler:  handler,
		log:      logrus.WithField("component", "gmail"),
		stop:     make(chan struct{}),
	}
}

// Start starts the polling loop; it blocks until Stop is called.
func (p *Poller) Start() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.Poll(context.Background()); err != nil {
				p.log.WithError(err).Error("gmail poll failed")
			}
		case <-p.stop:
			return
		}
	}
}

// Stop stops the poller
func (p *Poller) Stop() {
	close(p.stop)
}

// Poll handles every unread message once and returns how many succeeded.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	msgs, err := p.source.FetchUnread(ctx, p.query)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, msg := range msgs {
		log := p.log.WithField("message_id", msg.Id)
		inq, err := InquiryFromMessage(msg)
		if err != nil {
			log.WithError(err).Warn("skipping unreadable email")
			continue
		}
		if err := p.handler(ctx, inq); err != nil {
			log.WithError(err).Error("failed to handle email")
			continue
		}
		if err := p.source.MarkAsRead(ctx, msg.Id); err != nil {
			log.WithError(err).Error("failed to mark email as read")
		}
		handled++
	}
	return handled, nil
}

// LeadCreator creates a lead client with its qualification task.
type LeadCreator interface {
	CreateLead(ctx context.Context, n lifecycle.NewLead) (*lifecycle.LeadResult, error)
}

// LeadHandler turns every inquiry into a lead assigned to collaborator.
func LeadHandler(leads LeadCreator, collaborator string) Handler {
	return func(ctx context.Context, inq Inquiry) error {
		note := inq.Subject
		if inq.Body != "" {
			note = strings.TrimSpace(note + "\n\n" + inq.Body)
		}
		res, err := leads.CreateLead(ctx, lifecycle.NewLead{
			Name:            inq.Name,
			Email:           inq.Email,
			Note:            note,
			CollaboratorRef: collaborator,
		})
		if err != nil && res != nil {
			// The client exists; handling the message again would duplicate it.
			logrus.WithError(err).WithFields(logrus.Fields{
				"component": "gmail",
				"client_id": res.Client.ID,
			}).Warn("lead created incompletely")
			return nil
		}
		return err
	}
}
