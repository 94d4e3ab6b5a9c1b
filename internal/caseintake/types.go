package caseintake

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EncounterTypeSurgery  = "surgery"
	EncounterStatusActive = "active"
	dateLayout            = "2006-01-02"
)

type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexOther  Sex = "O"
)

var validSexes = []Sex{SexMale, SexFemale, SexOther}

type ProcedureType string

const (
	ProcedureRotatorCuff          ProcedureType = "rotator-cuff"
	ProcedureKneeSurgical         ProcedureType = "knee-surgical"
	ProcedureShoulderScope        ProcedureType = "shoulder-scope"
	ProcedureShoulderArthroplasty ProcedureType = "shoulder-arthroplasty"
	ProcedureHipScope             ProcedureType = "hip-scope"
	ProcedureHipArthroplasty      ProcedureType = "hip-arthroplasty"
	ProcedureKneeArthroplasty     ProcedureType = "knee-arthroplasty"
	ProcedureOther                ProcedureType = "other"
)

var validProcedureTypes = []ProcedureType{
	ProcedureRotatorCuff,
	ProcedureKneeSurgical,
	ProcedureShoulderScope,
	ProcedureShoulderArthroplasty,
	ProcedureHipScope,
	ProcedureHipArthroplasty,
	ProcedureKneeArthroplasty,
	ProcedureOther,
}

type Laterality string

const (
	LateralityRight     Laterality = "Right"
	LateralityLeft      Laterality = "Left"
	LateralityBilateral Laterality = "Bilateral"
)

var validLateralities = []Laterality{LateralityRight, LateralityLeft, LateralityBilateral}

func ParseSex(s string) (Sex, error) {
	for _, v := range validSexes {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("must be one of %s, got %q", joinValues(validSexes), s)
}

func ParseProcedureType(s string) (ProcedureType, error) {
	for _, v := range validProcedureTypes {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("must be one of %s, got %q", joinValues(validProcedureTypes), s)
}

func ParseLaterality(s string) (Laterality, error) {
	for _, v := range validLateralities {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("must be one of %s, got %q", joinValues(validLateralities), s)
}

func joinValues[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%q", string(v))
	}
	return strings.Join(parts, ", ")
}

// Date is a calendar date serialized as YYYY-MM-DD. The zero value means absent.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("must be a YYYY-MM-DD date, got %q", s)
	}
	return Date{Time: t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("must be a YYYY-MM-DD string")
	}
	if strings.TrimSpace(s) == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ExtractionResult is what the model extracted from a note. It is only
// shape-checked: a required field may still be empty or null here.
type ExtractionResult struct {
	MRN        string  `json:"mrn"`
	FirstName  *string `json:"first_name"`
	LastName   *string `json:"last_name"`
	MiddleName *string `json:"middle_name"`

	DateOfBirth Date `json:"date_of_birth"`
	Sex         Sex  `json:"sex"`

	SurgeryDate   Date          `json:"surgery_date"`
	ProcedureType ProcedureType `json:"procedure_type"`
	Laterality    *Laterality   `json:"laterality"`

	Attending      *string `json:"attending"`
	FellowOrPA     *string `json:"fellow_or_pa"`
	ChiefComplaint *string `json:"chief_complaint"`
	Location       *string `json:"location"`
	Notes          *string `json:"notes"`

	RawNote string `json:"raw_note"`
}

// PayloadFields is a read-only copy of a gatekept payload.
type PayloadFields struct {
	MRN         string  `json:"mrn"`
	FirstName   *string `json:"first_name"`
	MiddleName  *string `json:"middle_name"`
	LastName    *string `json:"last_name"`
	DateOfBirth Date    `json:"date_of_birth"`
	Sex         string  `json:"sex"`

	EncounterType      string  `json:"encounter_type"`
	EncounterDate      Date    `json:"encounter_date"`
	ChiefComplaint     *string `json:"chief_complaint"`
	Location           *string `json:"location"`
	AttendingPhysician *string `json:"attending_physician"`
	Status             string  `json:"status"`
	Notes              *string `json:"notes"`

	ProcedureType string  `json:"procedure_type"`
	Laterality    *string `json:"laterality"`
	FellowOrPA    *string `json:"fellow_or_pa"`

	RawNote string `json:"raw_note"`
}

// CasePayload is the persistable form of an intake. Only ToPayload can
// produce a non-zero value, so holding one proves the required fields exist.
type CasePayload struct {
	f PayloadFields
}

func (p CasePayload) Fields() PayloadFields {
	f := p.f
	f.FirstName = cloneString(f.FirstName)
	f.MiddleName = cloneString(f.MiddleName)
	f.LastName = cloneString(f.LastName)
	f.ChiefComplaint = cloneString(f.ChiefComplaint)
	f.Location = cloneString(f.Location)
	f.AttendingPhysician = cloneString(f.AttendingPhysician)
	f.Notes = cloneString(f.Notes)
	f.Laterality = cloneString(f.Laterality)
	f.FellowOrPA = cloneString(f.FellowOrPA)
	return f
}

func (p CasePayload) IsZero() bool { return p.f.MRN == "" }

func (p CasePayload) MRN() string           { return p.f.MRN }
func (p CasePayload) ProcedureType() string { return p.f.ProcedureType }

func (p CasePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.f)
}

// Result is the outcome of one successful intake.
type Result struct {
	IntakeID       string `json:"intake_id"`
	PatientID      int64  `json:"patient_id"`
	PatientCreated bool   `json:"patient_created"`
	EncounterID    int64  `json:"encounter_id"`
	ResearchCaseID int64  `json:"research_case_id"`
	ProcedureType  string `json:"procedure_type"`
	RawNote        string `json:"raw_note"`

	Payload CasePayload `json:"-"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func stringPtr(s string) *string { return &s }
