package conflict

import (
	"context"
	"testing"

	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/mklimuk/atelier-pilot/pkg/store/sqlite"
)

var day = model.NewDate(2026, 3, 2)

func appt(id, collaborator string, start, end model.Clock) model.Appointment {
	return model.Appointment{
		ID:              id,
		Date:            day,
		StartTime:       start,
		EndTime:         end,
		CollaboratorRef: collaborator,
		Status:          model.AppointmentConfirmed,
	}
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name                   string
		aStart, aEnd, bStart, bEnd model.Clock
		want                   bool
	}{
		{"partial overlap", model.NewClock(9, 0), model.NewClock(10, 0), model.NewClock(9, 30), model.NewClock(10, 30), true},
		{"touching end", model.NewClock(9, 0), model.NewClock(10, 0), model.NewClock(10, 0), model.NewClock(11, 0), false},
		{"touching start", model.NewClock(10, 0), model.NewClock(11, 0), model.NewClock(9, 0), model.NewClock(10, 0), false},
		{"contained", model.NewClock(9, 0), model.NewClock(12, 0), model.NewClock(10, 0), model.NewClock(11, 0), true},
		{"identical", model.NewClock(9, 0), model.NewClock(10, 0), model.NewClock(9, 0), model.NewClock(10, 0), true},
		{"disjoint", model.NewClock(8, 0), model.NewClock(9, 0), model.NewClock(14, 0), model.NewClock(15, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.aStart, tt.aEnd, tt.bStart, tt.bEnd); got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}
			if got := Overlaps(tt.bStart, tt.bEnd, tt.aStart, tt.aEnd); got != tt.want {
				t.Errorf("Overlaps reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindSymmetric(t *testing.T) {
	a := appt("A", "u1", model.NewClock(9, 0), model.NewClock(10, 0))
	b := appt("B", "u1", model.NewClock(9, 30), model.NewClock(10, 30))
	all := []model.Appointment{a, b}

	got := Find(all, CandidateOf(a), "A")
	if len(got) != 1 || got[0].ID != "B" {
		t.Errorf("conflicts of A = %+v", got)
	}
	got = Find(all, CandidateOf(b), "B")
	if len(got) != 1 || got[0].ID != "A" {
		t.Errorf("conflicts of B = %+v", got)
	}
	if got := Find([]model.Appointment{a}, CandidateOf(a), "A"); len(got) != 0 {
		t.Errorf("excluding self should yield nothing, got %+v", got)
	}
}

func TestFindFilters(t *testing.T) {
	cancelled := appt("X", "u1", model.NewClock(9, 0), model.NewClock(11, 0))
	cancelled.Status = model.AppointmentCancelled
	otherDay := appt("D", "u1", model.NewClock(9, 0), model.NewClock(11, 0))
	otherDay.Date = model.NewDate(2026, 3, 3)

	all := []model.Appointment{
		appt("late", "u1", model.NewClock(10, 30), model.NewClock(12, 0)),
		appt("early", "u1", model.NewClock(8, 0), model.NewClock(9, 30)),
		appt("touch", "u1", model.NewClock(11, 0), model.NewClock(12, 0)),
		appt("other", "u2", model.NewClock(9, 0), model.NewClock(11, 0)),
		cancelled,
		otherDay,
	}
	c := Candidate{Date: day, Start: model.NewClock(9, 0), End: model.NewClock(11, 0), CollaboratorRef: "u1"}

	got := Find(all, c, "")
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		t.Errorf("Find = %+v", got)
	}
}

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Candidate
		wantErr bool
	}{
		{"valid", Candidate{Date: day, Start: model.NewClock(9, 0), End: model.NewClock(10, 0), CollaboratorRef: "u1"}, false},
		{"start equals end", Candidate{Date: day, Start: model.NewClock(9, 0), End: model.NewClock(9, 0), CollaboratorRef: "u1"}, true},
		{"inverted", Candidate{Date: day, Start: model.NewClock(10, 0), End: model.NewClock(9, 0), CollaboratorRef: "u1"}, true},
		{"no collaborator", Candidate{Date: day, Start: model.NewClock(9, 0), End: model.NewClock(10, 0)}, true},
		{"no date", Candidate{Start: model.NewClock(9, 0), End: model.NewClock(10, 0), CollaboratorRef: "u1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !model.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDetectorFindConflicts(t *testing.T) {
	s, err := sqlite.Open(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	for _, a := range []model.Appointment{
		appt("A", "u1", model.NewClock(9, 0), model.NewClock(10, 0)),
		appt("B", "u1", model.NewClock(9, 30), model.NewClock(10, 30)),
		appt("C", "u2", model.NewClock(9, 0), model.NewClock(10, 0)),
	} {
		rec, _ := store.Encode(a)
		if _, err := s.Create(ctx, model.CollectionAppointments, rec); err != nil {
			t.Fatal(err)
		}
	}

	d := NewDetector(s)
	got, err := d.FindConflicts(ctx, Candidate{Date: day, Start: model.NewClock(9, 0), End: model.NewClock(10, 0), CollaboratorRef: "u1"}, "A")
	if err != nil {
		t.Fatalf("FindConflicts: %v", err)
	}
	if len(got) != 1 || got[0].ID != "B" {
		t.Errorf("conflicts = %+v", got)
	}

	got, err = d.FindConflicts(ctx, Candidate{Date: day, Start: model.NewClock(10, 30), End: model.NewClock(11, 0), CollaboratorRef: "u1"}, "")
	if err != nil || len(got) != 0 {
		t.Errorf("touching slot conflicts = %+v, %v", got, err)
	}

	if _, err := d.FindConflicts(ctx, Candidate{Date: day, Start: model.NewClock(11, 0), End: model.NewClock(10, 0), CollaboratorRef: "u1"}, ""); !model.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
