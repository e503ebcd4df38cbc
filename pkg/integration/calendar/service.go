package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Event is a simplified calendar event mirrored from an appointment.
type Event struct {
	ID          string
	Summary     string
	Description string
	StartTime   time.Time
	EndTime     time.Time
}

// CalendarAPI is the interface used by Syncer for testability.
type CalendarAPI interface {
	CreateEvent(ctx context.Context, e Event) (string, error)
	UpdateEvent(ctx context.Context, eventID string, e Event) error
	DeleteEvent(ctx context.Context, eventID string) error
}

// Service wraps the Google Calendar API.
type Service struct {
	srv        *gcal.Service
	calendarID string
}

// NewService creates a Calendar service for calendarID.
func NewService(ctx context.Context, calendarID string, opts ...option.ClientOption) (*Service, error) {
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Service{srv: srv, calendarID: calendarID}, nil
}

// CreateEvent creates a new event and returns its ID.
func (s *Service) CreateEvent(ctx context.Context, e Event) (string, error) {
	created, err := s.srv.Events.Insert(s.calendarID, toGCalEvent(e)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	return created.Id, nil
}

// UpdateEvent updates an existing event by ID.
func (s *Service) UpdateEvent(ctx context.Context, eventID string, e Event) error {
	_, err := s.srv.Events.Update(s.calendarID, eventID, toGCalEvent(e)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event. Events already gone are not an error.
func (s *Service) DeleteEvent(ctx context.Context, eventID string) error {
	err := s.srv.Events.Delete(s.calendarID, eventID).Context(ctx).Do()
	if err != nil && !isGone(err) {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
}

func toGCalEvent(e Event) *gcal.Event {
	return &gcal.Event{
		Summary:     e.Summary,
		Description: e.Description,
		Start: &gcal.EventDateTime{
			DateTime: e.StartTime.Format(time.RFC3339),
			TimeZone: e.StartTime.Location().String(),
		},
		End: &gcal.EventDateTime{
			DateTime: e.EndTime.Format(time.RFC3339),
			TimeZone: e.EndTime.Location().String(),
		},
	}
}
