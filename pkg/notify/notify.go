// Package notify sends scheduling warnings and client milestones to chat channels.
package notify

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Notifier receives events worth telling a human about.
type Notifier interface {
	ConflictsDetected(ctx context.Context, appt model.Appointment, conflicts []model.Appointment)
	ClientPromoted(ctx context.Context, client model.Client, project model.Project)
}

// Sender delivers a text message to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Fanout forwards notifications to every sender. The same conflict set is
// announced at most once per throttle period.
type Fanout struct {
	senders []Sender
	seen    *cache.Cache
	log     *logrus.Entry
}

func NewFanout(throttle time.Duration, senders ...Sender) *Fanout {
	if throttle <= 0 {
		throttle = 10 * time.Minute
	}
	return &Fanout{
		senders: senders,
		seen:    cache.New(throttle, 2*throttle),
		log:     logrus.WithField("component", "notify"),
	}
}

// Add registers another sender.
func (f *Fanout) Add(s Sender) {
	f.senders = append(f.senders, s)
}

func (f *Fanout) ConflictsDetected(ctx context.Context, appt model.Appointment, conflicts []model.Appointment) {
	if len(conflicts) == 0 {
		return
	}
	key := conflictKey(appt, conflicts)
	if err := f.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		// Already announced within the throttle period.
		return
	}
	f.broadcast(ctx, FormatConflicts(appt, conflicts))
}

func (f *Fanout) ClientPromoted(ctx context.Context, client model.Client, project model.Project) {
	f.broadcast(ctx, FormatPromotion(client, project))
}

func (f *Fanout) broadcast(ctx context.Context, text string) {
	for _, s := range f.senders {
		if err := s.Send(ctx, text); err != nil {
			f.log.WithError(err).WithField("sender", s.Name()).Warn("failed to send notification")
		}
	}
}

func conflictKey(appt model.Appointment, conflicts []model.Appointment) string {
	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}
	slices.Sort(ids)
	return fmt.Sprintf("%s|%s|%s-%s|%s", appt.ID, appt.Date, appt.StartTime, appt.EndTime, strings.Join(ids, ","))
}

// FormatConflicts renders a conflict warning.
func FormatConflicts(appt model.Appointment, conflicts []model.Appointment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Conflit d'agenda pour %s le %s : %s %s-%s chevauche\n",
		appt.CollaboratorRef, appt.Date, displayTitle(appt), appt.StartTime, appt.EndTime)
	for _, c := range conflicts {
		fmt.Fprintf(&sb, "- %s-%s %s\n", c.StartTime, c.EndTime, displayTitle(c))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatPromotion renders the lead-to-prospect announcement.
func FormatPromotion(client model.Client, project model.Project) string {
	return fmt.Sprintf("%s devient prospect : projet %q créé (%d projet(s))",
		client.Name, project.Name, client.ProjectCount)
}

// FormatAgenda renders one collaborator's day.
func FormatAgenda(collaborator string, date model.Date, appts []model.Appointment) string {
	if len(appts) == 0 {
		return fmt.Sprintf("Aucun rendez-vous pour %s le %s", collaborator, date)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Agenda de %s le %s :", collaborator, date)
	for _, a := range appts {
		fmt.Fprintf(&sb, "\n%s-%s %s", a.StartTime, a.EndTime, displayTitle(a))
		if a.Status != model.AppointmentConfirmed {
			fmt.Fprintf(&sb, " (%s)", a.Status)
		}
	}
	return sb.String()
}

// ParseAgendaQuery reads "<collaborator> [YYYY-MM-DD]". The date defaults to today.
func ParseAgendaQuery(args string, today model.Date) (string, model.Date, error) {
	fields := strings.Fields(args)
	switch len(fields) {
	case 1:
		return fields[0], today, nil
	case 2:
		d, err := model.ParseDate(fields[1])
		if err != nil {
			return "", model.Date{}, err
		}
		return fields[0], d, nil
	}
	return "", model.Date{}, model.Invalid("agenda", "usage: agenda <collaborator> [YYYY-MM-DD]")
}

func displayTitle(a model.Appointment) string {
	if a.Title == "" {
		return "(sans titre)"
	}
	return a.Title
}
