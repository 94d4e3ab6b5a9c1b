package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/joelkehle/case-intake/internal/backend"

type Patient struct {
	ID          int64   `json:"id"`
	MRN         string  `json:"mrn,omitempty"`
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	DateOfBirth string  `json:"date_of_birth,omitempty"`
}

// PatientCreate omits unset names so the backend's own defaults apply.
type PatientCreate struct {
	MRN         string  `json:"mrn"`
	DateOfBirth string  `json:"date_of_birth"`
	Sex         string  `json:"sex"`
	FirstName   *string `json:"first_name,omitempty"`
	MiddleName  *string `json:"middle_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
}

type EncounterCreate struct {
	PatientID          int64   `json:"patient_id"`
	EncounterType      string  `json:"encounter_type"`
	EncounterDate      string  `json:"encounter_date"`
	ChiefComplaint     *string `json:"chief_complaint"`
	Location           *string `json:"location"`
	AttendingPhysician *string `json:"attending_physician"`
	Status             string  `json:"status"`
	Notes              *string `json:"notes"`
}

type ResearchCaseCreate struct {
	EncounterID int64   `json:"encounter_id"`
	FellowOrPA  *string `json:"fellow_or_pa"`
	Attending   *string `json:"attending"`
	MRN         *string `json:"mrn"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	DOB         *string `json:"dob"`
	SurgeryDate *string `json:"surgery_date"`
	Laterality  *string `json:"laterality"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// DoJSON returns the body and status. Transport failures come back as an
// *Error with Status 0; status checks are left to the caller.
func (c *Client) DoJSON(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "backend "+method+" "+routeOf(path))
	defer span.End()

	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, &Error{Method: method, Path: path, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, 0, &Error{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return blob, resp.StatusCode, nil
}

// SearchPatients runs the backend's generic substring search. A 404 is
// treated as an empty result set.
func (c *Client) SearchPatients(ctx context.Context, query string) ([]Patient, error) {
	path := "/api/v1/patients/search?q=" + url.QueryEscape(query)
	out, status, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, newStatusError(http.MethodGet, path, status, out)
	}
	var patients []Patient
	if err := json.Unmarshal(out, &patients); err != nil {
		return nil, &Error{Method: http.MethodGet, Path: path, Status: status, Body: string(out), Err: fmt.Errorf("decode patients: %w", err)}
	}
	return patients, nil
}

func (c *Client) CreatePatient(ctx context.Context, in PatientCreate) (int64, error) {
	return c.create(ctx, "/api/v1/patients", in)
}

func (c *Client) CreateEncounter(ctx context.Context, in EncounterCreate) (int64, error) {
	return c.create(ctx, "/api/v1/encounters", in)
}

// CreateResearchCase posts to /api/v1/rc/{slug}; slug must be a procedure type.
func (c *Client) CreateResearchCase(ctx context.Context, slug string, in ResearchCaseCreate) (int64, error) {
	return c.create(ctx, "/api/v1/rc/"+url.PathEscape(slug), in)
}

// create requires a 201 carrying a positive id.
func (c *Client) create(ctx context.Context, path string, payload any) (int64, error) {
	out, status, err := c.DoJSON(ctx, http.MethodPost, path, payload)
	if err != nil {
		return 0, err
	}
	if status != http.StatusCreated {
		return 0, newStatusError(http.MethodPost, path, status, out)
	}
	var resp struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, &Error{Method: http.MethodPost, Path: path, Status: status, Body: string(out), Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.ID == nil || *resp.ID <= 0 {
		return 0, &Error{Method: http.MethodPost, Path: path, Status: status, Body: string(out), Err: errMissingID}
	}
	return *resp.ID, nil
}

func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
