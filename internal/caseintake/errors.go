package caseintake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Stage string

const (
	StageNormalize    Stage = "normalize"
	StageGatekeep     Stage = "gatekeep"
	StagePatient      Stage = "patient"
	StageEncounter    Stage = "encounter"
	StageResearchCase Stage = "research_case"
)

type ErrorKind string

const (
	KindTransport        ErrorKind = "TransportFailure"
	KindMalformedOutput  ErrorKind = "MalformedLLMOutput"
	KindSchemaValidation ErrorKind = "SchemaValidationFailed"
	KindMissingFields    ErrorKind = "MissingRequiredFields"
	KindUnknown          ErrorKind = "Unknown"
)

// CaseIntakeError attributes a failure to the pipeline stage it happened in.
type CaseIntakeError struct {
	Stage Stage
	Err   error
}

func (e *CaseIntakeError) Error() string {
	return fmt.Sprintf("case intake failed at %s: %v", e.Stage, e.Err)
}

func (e *CaseIntakeError) Unwrap() error { return e.Err }

// TransportError covers an unreachable, timed out, or misbehaving LLM or
// backend endpoint.
type TransportError struct {
	Target string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Target, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a deadline or network timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("LLM returned invalid JSON: %v. Output was: %s", e.Err, e.Raw)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type SchemaValidationError struct {
	Fields []FieldError
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "normalization validation failed: " + strings.Join(parts, "; ")
}

// FieldNames returns the failing field names in report order.
func (e *SchemaValidationError) FieldNames() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Field)
	}
	return out
}

type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "cannot create case - missing required fields: " + strings.Join(e.Fields, ", ")
}

func (e *MissingFieldsError) Has(field string) bool {
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// MissingFields reports the gatekeeper's missing set when err carries one.
func MissingFields(err error) ([]string, bool) {
	var me *MissingFieldsError
	if errors.As(err, &me) {
		return append([]string(nil), me.Fields...), true
	}
	return nil, false
}

// MissingMRN is the one failure the interactive repair loop recovers from.
func MissingMRN(err error) bool {
	var me *MissingFieldsError
	return errors.As(err, &me) && me.Has(FieldMRN)
}

func Kind(err error) ErrorKind {
	var (
		te *TransportError
		mo *MalformedOutputError
		sv *SchemaValidationError
		mf *MissingFieldsError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mf):
		return KindMissingFields
	case errors.As(err, &sv):
		return KindSchemaValidation
	case errors.As(err, &mo):
		return KindMalformedOutput
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindUnknown
	}
}

// StageOf returns the stage label of a CaseIntakeError, or "" for other errors.
func StageOf(err error) Stage {
	var ce *CaseIntakeError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return ""
}
