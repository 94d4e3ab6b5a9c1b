package caseintake

import "strings"

const (
	FieldMRN           = "mrn"
	FieldDateOfBirth   = "date_of_birth"
	FieldSex           = "sex"
	FieldSurgeryDate   = "surgery_date"
	FieldProcedureType = "procedure_type"
)

// ToPayload converts an extraction into a persistable payload. It re-checks
// the required fields because a shape-valid extraction may carry empty values.
func ToPayload(e ExtractionResult) (CasePayload, error) {
	mrn := strings.TrimSpace(e.MRN)

	var missing []string
	if mrn == "" {
		missing = append(missing, FieldMRN)
	}
	if e.DateOfBirth.IsZero() {
		missing = append(missing, FieldDateOfBirth)
	}
	if e.Sex == "" {
		missing = append(missing, FieldSex)
	}
	if e.SurgeryDate.IsZero() {
		missing = append(missing, FieldSurgeryDate)
	}
	if e.ProcedureType == "" {
		missing = append(missing, FieldProcedureType)
	}
	if len(missing) > 0 {
		return CasePayload{}, &MissingFieldsError{Fields: missing}
	}

	var laterality *string
	if e.Laterality != nil {
		laterality = stringPtr(string(*e.Laterality))
	}

	return CasePayload{f: PayloadFields{
		MRN:         mrn,
		FirstName:   cloneString(e.FirstName),
		MiddleName:  cloneString(e.MiddleName),
		LastName:    cloneString(e.LastName),
		DateOfBirth: e.DateOfBirth,
		Sex:         string(e.Sex),

		EncounterType:      EncounterTypeSurgery,
		EncounterDate:      e.SurgeryDate,
		ChiefComplaint:     cloneString(e.ChiefComplaint),
		Location:           cloneString(e.Location),
		AttendingPhysician: cloneString(e.Attending),
		Status:             EncounterStatusActive,
		Notes:              cloneString(e.Notes),

		ProcedureType: string(e.ProcedureType),
		Laterality:    laterality,
		FellowOrPA:    cloneString(e.FellowOrPA),

		RawNote: e.RawNote,
	}}, nil
}
