package notify

import (
	"context"
	"fmt"

	"github.com/mklimuk/atelier-pilot/pkg/model"
)

// Chat commands understood by the bots, without their prefix.
const (
	CommandStatus = "status"
	CommandAgenda = "agenda"
)

// StatusReply answers the status command.
const StatusReply = "Atelier Pilot est en ligne."

// AgendaSource lists a collaborator's appointments for a day.
type AgendaSource interface {
	Agenda(ctx context.Context, collaborator string, date model.Date) ([]model.Appointment, error)
}

// Reply computes the answer to a chat command. Unknown commands get an
// empty reply.
func Reply(ctx context.Context, src AgendaSource, today model.Date, command, args string) string {
	switch command {
	case CommandStatus:
		return StatusReply
	case CommandAgenda:
		if src == nil {
			return "Agenda indisponible"
		}
		who, date, err := ParseAgendaQuery(args, today)
		if err != nil {
			return err.Error()
		}
		appts, err := src.Agenda(ctx, who, date)
		if err != nil {
			return fmt.Sprintf("Erreur : %v", err)
		}
		return FormatAgenda(who, date, appts)
	}
	return ""
}
