package caseintake

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func completeExtraction() ExtractionResult {
	lat := LateralityRight
	return ExtractionResult{
		MRN:            "778899",
		FirstName:      stringPtr("Jane"),
		LastName:       stringPtr("Doe"),
		DateOfBirth:    NewDate(1971, 3, 4),
		Sex:            SexFemale,
		SurgeryDate:    NewDate(2025, 2, 2),
		ProcedureType:  ProcedureRotatorCuff,
		Laterality:     &lat,
		Attending:      stringPtr("Dr. Smith"),
		FellowOrPA:     stringPtr("Lee PA"),
		ChiefComplaint: stringPtr("shoulder pain"),
		Location:       stringPtr("North Campus"),
		Notes:          stringPtr("uneventful"),
		RawNote:        "pt 778899 R RCR 2/2/25",
	}
}

func TestToPayloadReportsEveryMissingSubset(t *testing.T) {
	required := []string{FieldMRN, FieldDateOfBirth, FieldSex, FieldSurgeryDate, FieldProcedureType}
	blank := map[string]func(*ExtractionResult){
		FieldMRN:           func(e *ExtractionResult) { e.MRN = "" },
		FieldDateOfBirth:   func(e *ExtractionResult) { e.DateOfBirth = Date{} },
		FieldSex:           func(e *ExtractionResult) { e.Sex = "" },
		FieldSurgeryDate:   func(e *ExtractionResult) { e.SurgeryDate = Date{} },
		FieldProcedureType: func(e *ExtractionResult) { e.ProcedureType = "" },
	}

	for mask := 1; mask < 1<<len(required); mask++ {
		e := completeExtraction()
		var want []string
		for i, field := range required {
			if mask&(1<<i) != 0 {
				blank[field](&e)
				want = append(want, field)
			}
		}
		p, err := ToPayload(e)
		require.Error(t, err, "mask %05b", mask)
		require.True(t, p.IsZero())
		got, ok := MissingFields(err)
		require.True(t, ok)
		require.Equal(t, want, got, "mask %05b", mask)
		require.Equal(t, KindMissingFields, Kind(err))
	}
}

func TestToPayloadWhitespaceMRNIsMissing(t *testing.T) {
	e := completeExtraction()
	e.MRN = "   "
	_, err := ToPayload(e)
	require.True(t, MissingMRN(err))
}

func TestToPayloadMapsFields(t *testing.T) {
	e := completeExtraction()
	e.MRN = " 778899 "
	p, err := ToPayload(e)
	require.NoError(t, err)

	f := p.Fields()
	require.Equal(t, "778899", f.MRN)
	require.Equal(t, EncounterTypeSurgery, f.EncounterType)
	require.Equal(t, EncounterStatusActive, f.Status)
	require.Equal(t, "2025-02-02", f.EncounterDate.String())
	require.Equal(t, "1971-03-04", f.DateOfBirth.String())
	require.Equal(t, "Dr. Smith", *f.AttendingPhysician)
	require.Equal(t, "Right", *f.Laterality)
	require.Equal(t, "rotator-cuff", f.ProcedureType)
	require.Equal(t, e.RawNote, f.RawNote)
}

func TestToPayloadKeepsRawNoteVerbatim(t *testing.T) {
	e := completeExtraction()
	e.RawNote = "  line one\n\tline two with \"quotes\" and ünïcode  \n"
	p, err := ToPayload(e)
	require.NoError(t, err)
	require.Equal(t, e.RawNote, p.Fields().RawNote)

	blob, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(blob, &decoded))
	require.Equal(t, e.RawNote, decoded["raw_note"])
	require.Equal(t, "2025-02-02", decoded["encounter_date"])
	require.Nil(t, decoded["middle_name"])
}

func TestPayloadFieldsIsACopy(t *testing.T) {
	p, err := ToPayload(completeExtraction())
	require.NoError(t, err)

	f := p.Fields()
	*f.FirstName = "Mallory"
	require.Equal(t, "Jane", *p.Fields().FirstName)
}

func TestResearchCaseSlug(t *testing.T) {
	require.Equal(t, "hip-arthroplasty", ResearchCaseSlug("hip-arthroplasty"))
	require.Equal(t, "other", ResearchCaseSlug("elbow"))
	require.Equal(t, "other", ResearchCaseSlug(""))
}
