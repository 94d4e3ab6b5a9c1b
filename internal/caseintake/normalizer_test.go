package caseintake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/case-intake/internal/llm"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	responses []string
	err       error
	requests  []llm.Request
}

func (f *fakeCaller) Complete(_ context.Context, req llm.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return out, nil
}

const fullJSON = `{
  "mrn": "778899",
  "first_name": "Jane",
  "last_name": "Doe",
  "middle_name": null,
  "date_of_birth": "1971-03-04",
  "sex": "F",
  "surgery_date": "2025-02-02",
  "procedure_type": "rotator-cuff",
  "laterality": "Right",
  "attending": "Dr. Smith",
  "fellow_or_pa": null,
  "chief_complaint": null,
  "location": null,
  "notes": null
}`

func TestParseExtractionInjectsRawNote(t *testing.T) {
	raw := "  Jane Doe 778899\n R RCR  "
	res, err := ParseExtraction(fullJSON, raw)
	require.NoError(t, err)
	require.Equal(t, raw, res.RawNote)
	require.Equal(t, "778899", res.MRN)
	require.Equal(t, SexFemale, res.Sex)
	require.Equal(t, ProcedureRotatorCuff, res.ProcedureType)
	require.NotNil(t, res.Laterality)
	require.Equal(t, LateralityRight, *res.Laterality)
	require.Nil(t, res.MiddleName)
}

func TestParseExtractionOverridesModelRawNote(t *testing.T) {
	out := strings.Replace(fullJSON, `"notes": null`, `"notes": null, "raw_note": "model paraphrase"`, 1)
	res, err := ParseExtraction(out, "original")
	require.NoError(t, err)
	require.Equal(t, "original", res.RawNote)
}

func TestParseExtractionStripsCodeFences(t *testing.T) {
	res, err := ParseExtraction("```json\n"+fullJSON+"\n```", "x")
	require.NoError(t, err)
	require.Equal(t, "778899", res.MRN)
}

func TestParseExtractionMalformed(t *testing.T) {
	for _, out := range []string{"", "I think the MRN is 778899", `{"mrn": "1",`} {
		_, err := ParseExtraction(out, "x")
		var mo *MalformedOutputError
		require.ErrorAs(t, err, &mo, "output %q", out)
		require.Equal(t, out, mo.Raw)
		require.Equal(t, KindMalformedOutput, Kind(err))
	}
}

func TestParseExtractionSchemaFailures(t *testing.T) {
	for _, tc := range []struct {
		name   string
		out    string
		fields []string
	}{
		{name: "array", out: `[1,2]`, fields: []string{"$"}},
		{name: "null", out: `null`, fields: []string{"$"}},
		{name: "missing keys", out: `{"mrn":"1","sex":"M"}`, fields: []string{FieldDateOfBirth, FieldSurgeryDate, FieldProcedureType}},
		{name: "bad enum", out: strings.Replace(fullJSON, `"rotator-cuff"`, `"elbow"`, 1), fields: []string{FieldProcedureType}},
		{name: "bad sex", out: strings.Replace(fullJSON, `"sex": "F"`, `"sex": "female"`, 1), fields: []string{FieldSex}},
		{name: "bad date", out: strings.Replace(fullJSON, `"2025-02-02"`, `"02/02/25"`, 1), fields: []string{FieldSurgeryDate}},
		{name: "wrong type", out: strings.Replace(fullJSON, `"first_name": "Jane"`, `"first_name": 7`, 1), fields: []string{"first_name"}},
		{name: "bad laterality", out: strings.Replace(fullJSON, `"Right"`, `"R"`, 1), fields: []string{"laterality"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseExtraction(tc.out, "x")
			var sv *SchemaValidationError
			require.ErrorAs(t, err, &sv)
			require.Equal(t, tc.fields, sv.FieldNames())
			require.Equal(t, KindSchemaValidation, Kind(err))
		})
	}
}

func TestParseExtractionNullRequiredPassesShapeCheck(t *testing.T) {
	out := strings.Replace(fullJSON, `"mrn": "778899"`, `"mrn": null`, 1)
	res, err := ParseExtraction(out, "x")
	require.NoError(t, err)
	require.Empty(t, res.MRN)

	_, err = ToPayload(res)
	require.True(t, MissingMRN(err))
}

func TestNormalizeSendsPromptWithTodayAndText(t *testing.T) {
	caller := &fakeCaller{responses: []string{fullJSON}}
	n := NewNormalizer(caller, NormalizerOptions{
		Temperature: 0.3,
		Now:         func() time.Time { return time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC) },
	})
	_, err := n.Normalize(context.Background(), "Jane Doe 54yo")
	require.NoError(t, err)
	require.Len(t, caller.requests, 1)

	req := caller.requests[0]
	require.Contains(t, req.User, "Today's date: 2025-02-03")
	require.Contains(t, req.User, `"""Jane Doe 54yo"""`)
	require.Contains(t, req.System, `"knee-arthroplasty"`)
	require.Equal(t, 0.3, req.Temperature)
	require.Equal(t, DefaultMaxTokens, req.MaxTokens)
}

func TestNormalizeWrapsCallerFailure(t *testing.T) {
	n := NewNormalizer(&fakeCaller{err: context.DeadlineExceeded}, NormalizerOptions{})
	_, err := n.Normalize(context.Background(), "x")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "llm", te.Target)
	require.True(t, te.Timeout())
	require.Equal(t, KindTransport, Kind(err))
}
