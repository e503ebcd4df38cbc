package model

import (
	"errors"
	"fmt"
	"time"
)

// Collection names shared by every store backend.
const (
	CollectionTasks        = "tasks"
	CollectionAppointments = "appointments"
	CollectionClients      = "clients"
	CollectionProjects     = "projects"
)

// Record field names used in queries and partial updates.
const (
	FieldID                  = "id"
	FieldTitle               = "title"
	FieldKind                = "kind"
	FieldStatusLabel         = "statusLabel"
	FieldOperationalStatus   = "operationalStatus"
	FieldCollaboratorRef     = "collaboratorRef"
	FieldClientRef           = "clientRef"
	FieldProjectRef          = "projectRef"
	FieldOrderIndex          = "orderIndex"
	FieldLinkedAppointmentID = "linkedAppointmentId"
	FieldTaskID              = "taskId"
	FieldDate                = "date"
	FieldStartTime           = "startTime"
	FieldEndTime             = "endTime"
	FieldStatus              = "status"
	FieldProjectCount        = "projectCount"
	FieldClientPromoted      = "clientPromoted"
	FieldAutoTasksClosed     = "autoTasksClosed"
	FieldUpdatedAt           = "updatedAt"
)

// TaskKind selects the label vocabulary of a task. It never changes after creation.
type TaskKind string

const (
	KindManual      TaskKind = "manual"
	KindMemo        TaskKind = "memo"
	KindAutoLead    TaskKind = "auto_lead"
	KindAutoProject TaskKind = "auto_project"
)

// Valid reports whether k is a known kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindManual, KindMemo, KindAutoLead, KindAutoProject:
		return true
	}
	return false
}

// IsAuto reports whether titles of this kind are generated.
func (k TaskKind) IsAuto() bool {
	return k == KindAutoLead || k == KindAutoProject
}

// OperationalStatus is derived from the status label, never set directly.
type OperationalStatus string

const (
	StatusPending    OperationalStatus = "pending"
	StatusInProgress OperationalStatus = "in_progress"
	StatusCompleted  OperationalStatus = "completed"
)

type AppointmentStatus string

const (
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentDone      AppointmentStatus = "done"
)

// Valid reports whether s is a known appointment status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentConfirmed, AppointmentPending, AppointmentCancelled, AppointmentDone:
		return true
	}
	return false
}

type ClientStatus string

const (
	ClientLead     ClientStatus = "lead"
	ClientProspect ClientStatus = "prospect"
	ClientActive   ClientStatus = "client"
)

// Valid reports whether s is a known client status.
func (s ClientStatus) Valid() bool {
	switch s {
	case ClientLead, ClientProspect, ClientActive:
		return true
	}
	return false
}

// ProjectInitialStatus and ProjectInitialProgress are set on every new project.
const (
	ProjectInitialStatus   = "Étude client"
	ProjectInitialProgress = 2
)

// Task is a unit of work assigned to one collaborator.
type Task struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Kind                TaskKind          `json:"kind"`
	StatusLabel         string            `json:"statusLabel,omitempty"`
	OperationalStatus   OperationalStatus `json:"operationalStatus"`
	DueDate             *Date             `json:"dueDate,omitempty"`
	Note                string            `json:"note,omitempty"`
	Subject             string            `json:"subject,omitempty"`
	CollaboratorRef     string            `json:"collaboratorRef"`
	ClientRef           string            `json:"clientRef,omitempty"`
	ProjectRef          string            `json:"projectRef,omitempty"`
	OrderIndex          int               `json:"orderIndex"`
	LinkedAppointmentID string            `json:"linkedAppointmentId,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Completed reports whether the task sits in the done partition.
func (t Task) Completed() bool {
	return t.OperationalStatus == StatusCompleted
}

// Appointment is a time slot on a collaborator's calendar.
type Appointment struct {
	ID              string            `json:"id"`
	Date            Date              `json:"date"`
	StartTime       Clock             `json:"startTime"`
	EndTime         Clock             `json:"endTime"`
	Title           string            `json:"title"`
	CollaboratorRef string            `json:"collaboratorRef"`
	ClientRef       string            `json:"clientRef,omitempty"`
	ProjectRef      string            `json:"projectRef,omitempty"`
	TaskID          string            `json:"taskId,omitempty"`
	Status          AppointmentStatus `json:"status"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

type Client struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Email        string       `json:"email,omitempty"`
	Phone        string       `json:"phone,omitempty"`
	Status       ClientStatus `json:"status"`
	ProjectCount int          `json:"projectCount"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Project carries two flags recording which follow-up steps of its
// creation have been applied, so an interrupted run can be resumed.
type Project struct {
	ID              string    `json:"id"`
	ClientRef       string    `json:"clientRef"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	ClientPromoted  bool      `json:"clientPromoted"`
	AutoTasksClosed bool      `json:"autoTasksClosed"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ValidationError reports input rejected before any write happened.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
