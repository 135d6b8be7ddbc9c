package models

import (
	"time"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

// AppointmentStatus is the chairside lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCheckedIn AppointmentStatus = "checked_in"
	StatusInChair   AppointmentStatus = "in_chair"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// Appointment is the full appointment record from the inspector panel.
type Appointment struct {
	ID              string            `json:"id" validate:"required"`
	PatientID       string            `json:"patient_id" validate:"required"`
	ProviderID      string            `json:"provider_id" validate:"required"`
	Chair           string            `json:"chair,omitempty"`
	StartsAt        time.Time         `json:"starts_at" validate:"required"`
	DurationMinutes int               `json:"duration_minutes" validate:"required,min=5,max=480"`
	ProcedureCodes  []string          `json:"procedure_codes,omitempty"`
	Status          AppointmentStatus `json:"status" validate:"required,oneof=scheduled confirmed checked_in in_chair completed cancelled no_show"`
	Notes           string            `json:"notes,omitempty"`
	NotifyPatient   bool              `json:"notify_patient,omitempty"`
	PatientPhone    string            `json:"patient_phone,omitempty" validate:"omitempty,e164"`
	Attachments     []Attachment      `json:"attachments,omitempty" validate:"dive"`
}

// AppointmentChanges is a partial appointment update.
type AppointmentChanges struct {
	ProviderID      string       `json:"provider_id,omitempty"`
	Chair           string       `json:"chair,omitempty"`
	StartsAt        *time.Time   `json:"starts_at,omitempty"`
	DurationMinutes int          `json:"duration_minutes,omitempty" validate:"omitempty,min=5,max=480"`
	ProcedureCodes  []string     `json:"procedure_codes,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty" validate:"dive"`
}

// CreateAppointment books a new appointment document.
type CreateAppointment struct {
	Appointment Appointment `json:"appointment"`
}

func (p *CreateAppointment) Kind() ActionKind          { return KindCreateAppointment }
func (p *CreateAppointment) EntityType() EntityType    { return EntityAppointment }
func (p *CreateAppointment) EntityID() string          { return p.Appointment.ID }
func (p *CreateAppointment) Body() interface{}         { return p.Appointment }
func (p *CreateAppointment) Attachments() []Attachment { return p.Appointment.Attachments }

// Check enforces that a confirmation SMS has a recipient.
func (p *CreateAppointment) Check() error {
	return requirePhone(p.Appointment.NotifyPatient, p.Appointment.PatientPhone)
}

// UpdateAppointment patches an existing appointment document.
type UpdateAppointment struct {
	AppointmentID string             `json:"appointment_id" validate:"required"`
	Changes       AppointmentChanges `json:"changes"`
}

func (p *UpdateAppointment) Kind() ActionKind          { return KindUpdateAppointment }
func (p *UpdateAppointment) EntityType() EntityType    { return EntityAppointment }
func (p *UpdateAppointment) EntityID() string          { return p.AppointmentID }
func (p *UpdateAppointment) Body() interface{}         { return p.Changes }
func (p *UpdateAppointment) Attachments() []Attachment { return p.Changes.Attachments }

// UpdateStatus moves an appointment through its lifecycle.
type UpdateStatus struct {
	AppointmentID string            `json:"appointment_id" validate:"required"`
	Status        AppointmentStatus `json:"status" validate:"required,oneof=scheduled confirmed checked_in in_chair completed cancelled no_show"`
	Reason        string            `json:"reason,omitempty"`
	NotifyPatient bool              `json:"notify_patient,omitempty"`
	PatientPhone  string            `json:"patient_phone,omitempty" validate:"omitempty,e164"`
}

func (p *UpdateStatus) Kind() ActionKind       { return KindUpdateStatus }
func (p *UpdateStatus) EntityType() EntityType { return EntityAppointment }
func (p *UpdateStatus) EntityID() string       { return p.AppointmentID }

// Body only carries the fields written to the appointment document.
func (p *UpdateStatus) Body() interface{} {
	body := map[string]interface{}{"status": p.Status}
	if p.Reason != "" {
		body["status_reason"] = p.Reason
	}
	return body
}

// Check enforces that a status SMS has a recipient.
func (p *UpdateStatus) Check() error {
	return requirePhone(p.NotifyPatient, p.PatientPhone)
}

func requirePhone(notify bool, phone string) error {
	if notify && phone == "" {
		return apperrors.New(apperrors.ErrInvalid, "patient phone is required when notify_patient is set")
	}
	return nil
}
