// Package models provides data model definitions for the offline sync core.
package models

// EntityType identifies the kind of remote document an action targets.
type EntityType string

const (
	EntityPatient     EntityType = "Patient"
	EntityAppointment EntityType = "Appointment"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityPatient || t == EntityAppointment
}

// Attachment references a file that must reach object storage before the
// owning mutation is submitted (x-rays, consent forms, intake scans).
type Attachment struct {
	Key         string `json:"key" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	LocalPath   string `json:"local_path,omitempty"`
}

// Patient is the full patient record captured by the registration wizard.
type Patient struct {
	ID             string       `json:"id" validate:"required"`
	FirstName      string       `json:"first_name" validate:"required"`
	LastName       string       `json:"last_name" validate:"required"`
	DateOfBirth    string       `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	Phone          string       `json:"phone,omitempty" validate:"omitempty,e164"`
	Email          string       `json:"email,omitempty" validate:"omitempty,email"`
	Allergies      []string     `json:"allergies,omitempty"`
	MedicalAlerts  []string     `json:"medical_alerts,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty" validate:"dive"`
	RegisteredFrom string       `json:"registered_from,omitempty"`
}

// PatientChanges is a partial patient update. Empty fields are left untouched
// on the remote document.
type PatientChanges struct {
	FirstName     string       `json:"first_name,omitempty"`
	LastName      string       `json:"last_name,omitempty"`
	DateOfBirth   string       `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Phone         string       `json:"phone,omitempty" validate:"omitempty,e164"`
	Email         string       `json:"email,omitempty" validate:"omitempty,email"`
	Allergies     []string     `json:"allergies,omitempty"`
	MedicalAlerts []string     `json:"medical_alerts,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty" validate:"dive"`
}

// RegisterPatient creates a new patient document.
type RegisterPatient struct {
	Patient Patient `json:"patient"`
}

func (p *RegisterPatient) Kind() ActionKind          { return KindRegisterPatient }
func (p *RegisterPatient) EntityType() EntityType    { return EntityPatient }
func (p *RegisterPatient) EntityID() string          { return p.Patient.ID }
func (p *RegisterPatient) Body() interface{}         { return p.Patient }
func (p *RegisterPatient) Attachments() []Attachment { return p.Patient.Attachments }

// UpdatePatient patches an existing patient document.
type UpdatePatient struct {
	PatientID string         `json:"patient_id" validate:"required"`
	Changes   PatientChanges `json:"changes"`
}

func (p *UpdatePatient) Kind() ActionKind          { return KindUpdatePatient }
func (p *UpdatePatient) EntityType() EntityType    { return EntityPatient }
func (p *UpdatePatient) EntityID() string          { return p.PatientID }
func (p *UpdatePatient) Body() interface{}         { return p.Changes }
func (p *UpdatePatient) Attachments() []Attachment { return p.Changes.Attachments }
