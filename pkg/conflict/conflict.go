// Package conflict finds appointments of one collaborator overlapping a slot.
// Results are advisory: nothing here blocks a write.
package conflict

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/mklimuk/atelier-pilot/pkg/metrics"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
)

// Candidate is a slot being scheduled.
type Candidate struct {
	Date            model.Date
	Start           model.Clock
	End             model.Clock
	CollaboratorRef string
}

// CandidateOf returns the slot occupied by appt.
func CandidateOf(appt model.Appointment) Candidate {
	return Candidate{Date: appt.Date, Start: appt.StartTime, End: appt.EndTime, CollaboratorRef: appt.CollaboratorRef}
}

// Validate rejects empty or inverted slots and missing collaborators.
func (c Candidate) Validate() error {
	if c.CollaboratorRef == "" {
		return model.Invalid("collaboratorRef", "is required")
	}
	if c.Date.IsZero() {
		return model.Invalid("date", "is required")
	}
	if c.Start >= c.End {
		return model.Invalid("endTime", "%s must be after %s", c.End, c.Start)
	}
	return nil
}

// Overlaps applies the half-open interval test: touching slots do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd model.Clock) bool {
	return aStart < bEnd && aEnd > bStart
}

// Find returns the appointments of existing that overlap c, ordered by start
// time. excludeID and cancelled appointments are skipped.
func Find(existing []model.Appointment, c Candidate, excludeID string) []model.Appointment {
	var out []model.Appointment
	for _, a := range existing {
		if excludeID != "" && a.ID == excludeID {
			continue
		}
		if a.Status == model.AppointmentCancelled {
			continue
		}
		if a.CollaboratorRef != c.CollaboratorRef || !a.Date.Equal(c.Date) {
			continue
		}
		if Overlaps(c.Start, c.End, a.StartTime, a.EndTime) {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(x, y model.Appointment) int {
		return cmp.Compare(x.StartTime, y.StartTime)
	})
	return out
}

// Detector runs conflict checks against the store.
type Detector struct {
	store store.Store
}

func NewDetector(s store.Store) *Detector {
	return &Detector{store: s}
}

// FindConflicts returns every appointment overlapping c, excluding excludeID.
func (d *Detector) FindConflicts(ctx context.Context, c Candidate, excludeID string) ([]model.Appointment, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	appts, err := store.QueryAs[model.Appointment](ctx, d.store, model.CollectionAppointments,
		store.Eq(model.FieldCollaboratorRef, c.CollaboratorRef),
		store.Eq(model.FieldDate, c.Date.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to load appointments of %s: %w", c.CollaboratorRef, err)
	}
	conflicts := Find(appts, c, excludeID)
	if len(conflicts) > 0 {
		metrics.ConflictsDetected.Add(float64(len(conflicts)))
	}
	return conflicts, nil
}
