package caseintake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/case-intake/internal/llm"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2000
)

var systemPrompt = `You convert messy surgical dictation into strict JSON for a surgical case logging system.
Output ONLY one valid JSON object matching the schema below. No prose, no markdown.
Extract as much as possible from the text.

REQUIRED FIELDS:
- mrn: medical record number (string)
- date_of_birth: YYYY-MM-DD (string). Derive it from the stated age and today's date if only an age is given
- sex: "M", "F", or "O" (string). "M" for male, "F" for female
- surgery_date: YYYY-MM-DD (string). Convert MM/DD/YY and similar formats
- procedure_type: one of ` + procedureTypeList() + ` (string)

OPTIONAL FIELDS (string or null):
- first_name, last_name, middle_name: patient names
- laterality: "Right", "Left", or "Bilateral"
- attending: attending surgeon name
- fellow_or_pa: fellow or PA name
- chief_complaint: why the patient came in
- location: facility or hospital name
- notes: any additional clinical notes

Output format:
{
  "mrn": "string",
  "first_name": "string or null",
  "last_name": "string or null",
  "middle_name": "string or null",
  "date_of_birth": "YYYY-MM-DD",
  "sex": "M/F/O",
  "surgery_date": "YYYY-MM-DD",
  "procedure_type": "one of the procedure types above",
  "laterality": "Right/Left/Bilateral or null",
  "attending": "string or null",
  "fellow_or_pa": "string or null",
  "chief_complaint": "string or null",
  "location": "string or null",
  "notes": "string or null"
}`

func procedureTypeList() string {
	return joinValues(validProcedureTypes)
}

type NormalizerOptions struct {
	Temperature float64
	MaxTokens   int
	Now         func() time.Time
}

// Normalizer makes exactly one model call per note: no retries, no repair.
type Normalizer struct {
	caller      llm.Caller
	temperature float64
	maxTokens   int
	now         func() time.Time
}

func NewNormalizer(caller llm.Caller, opts NormalizerOptions) *Normalizer {
	if opts.Temperature < 0 || opts.Temperature > 1 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Normalizer{caller: caller, temperature: opts.Temperature, maxTokens: opts.MaxTokens, now: opts.Now}
}

func (n *Normalizer) userPrompt(rawText string) string {
	return fmt.Sprintf(`Today's date: %s

Text:
"""%s"""

Extract the case information into the JSON format specified.
If a field is unknown or not mentioned, use null.`, n.now().Format(dateLayout), rawText)
}

func (n *Normalizer) Normalize(ctx context.Context, rawText string) (ExtractionResult, error) {
	logger := log.Ctx(ctx)
	logger.Info().Int("chars", len(rawText)).Msg("normalizing note")

	out, err := n.caller.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        n.userPrompt(rawText),
		Temperature: n.temperature,
		MaxTokens:   n.maxTokens,
	})
	if err != nil {
		logger.Error().Err(err).Msg("llm call failed")
		return ExtractionResult{}, &TransportError{Target: "llm", Op: "complete", Err: err}
	}

	res, err := ParseExtraction(out, rawText)
	if err != nil {
		logger.Error().Err(err).Msg("extraction rejected")
		return ExtractionResult{}, err
	}
	logger.Info().Str("mrn", res.MRN).Str("procedure_type", string(res.ProcedureType)).Msg("note normalized")
	return res, nil
}

// ParseExtraction parses model output, injects rawNote as raw_note, then
// shape-validates the result.
func ParseExtraction(modelOutput, rawNote string) (ExtractionResult, error) {
	clean := []byte(llm.StripCodeFences(modelOutput))
	var decoded any
	if err := json.Unmarshal(clean, &decoded); err != nil {
		return ExtractionResult{}, &MalformedOutputError{Raw: modelOutput, Err: err}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(clean, &fields); err != nil || fields == nil {
		return ExtractionResult{}, &SchemaValidationError{Fields: []FieldError{{Field: "$", Message: "expected a JSON object"}}}
	}
	note, _ := json.Marshal(rawNote)
	fields["raw_note"] = note
	return decodeExtraction(fields)
}

type extractionField struct {
	name     string
	required bool
	decode   func(raw json.RawMessage, out *ExtractionResult) error
}

var extractionFields = []extractionField{
	{name: FieldMRN, required: true, decode: func(raw json.RawMessage, out *ExtractionResult) error {
		s, err := decodeOptionalString(raw)
		if s != nil {
			out.MRN = *s
		}
		return err
	}},
	{name: "first_name", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.FirstName, err = decodeOptionalString(raw)
		return err
	}},
	{name: "last_name", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.LastName, err = decodeOptionalString(raw)
		return err
	}},
	{name: "middle_name", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.MiddleName, err = decodeOptionalString(raw)
		return err
	}},
	{name: FieldDateOfBirth, required: true, decode: func(raw json.RawMessage, out *ExtractionResult) error {
		return json.Unmarshal(raw, &out.DateOfBirth)
	}},
	{name: FieldSex, required: true, decode: func(raw json.RawMessage, out *ExtractionResult) error {
		s, err := decodeEnum(raw, ParseSex)
		out.Sex = s
		return err
	}},
	{name: FieldSurgeryDate, required: true, decode: func(raw json.RawMessage, out *ExtractionResult) error {
		return json.Unmarshal(raw, &out.SurgeryDate)
	}},
	{name: FieldProcedureType, required: true, decode: func(raw json.RawMessage, out *ExtractionResult) error {
		p, err := decodeEnum(raw, ParseProcedureType)
		out.ProcedureType = p
		return err
	}},
	{name: "laterality", decode: func(raw json.RawMessage, out *ExtractionResult) error {
		l, err := decodeEnum(raw, ParseLaterality)
		if l != "" {
			out.Laterality = &l
		}
		return err
	}},
	{name: "attending", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.Attending, err = decodeOptionalString(raw)
		return err
	}},
	{name: "fellow_or_pa", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.FellowOrPA, err = decodeOptionalString(raw)
		return err
	}},
	{name: "chief_complaint", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.ChiefComplaint, err = decodeOptionalString(raw)
		return err
	}},
	{name: "location", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.Location, err = decodeOptionalString(raw)
		return err
	}},
	{name: "notes", decode: func(raw json.RawMessage, out *ExtractionResult) (err error) {
		out.Notes, err = decodeOptionalString(raw)
		return err
	}},
	{name: "raw_note", decode: func(raw json.RawMessage, out *ExtractionResult) error {
		return json.Unmarshal(raw, &out.RawNote)
	}},
}

// decodeExtraction checks presence of required keys and the type of every
// known key. Null and empty values pass; the gatekeeper judges those.
func decodeExtraction(fields map[string]json.RawMessage) (ExtractionResult, error) {
	var (
		out  ExtractionResult
		errs []FieldError
	)
	for _, f := range extractionFields {
		raw, ok := fields[f.name]
		if !ok {
			if f.required {
				errs = append(errs, FieldError{Field: f.name, Message: "field required"})
			}
			continue
		}
		if err := f.decode(raw, &out); err != nil {
			errs = append(errs, FieldError{Field: f.name, Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return ExtractionResult{}, &SchemaValidationError{Fields: errs}
	}
	return out, nil
}

func decodeOptionalString(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("must be a string or null")
	}
	return &s, nil
}

func decodeEnum[T ~string](raw json.RawMessage, parse func(string) (T, error)) (T, error) {
	var zero T
	s, err := decodeOptionalString(raw)
	if err != nil || s == nil || strings.TrimSpace(*s) == "" {
		return zero, err
	}
	return parse(strings.TrimSpace(*s))
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
