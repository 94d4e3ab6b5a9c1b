package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/joelkehle/case-intake/internal/backend"
	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/joelkehle/case-intake/internal/ledger"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

const (
	CodeBadRequest       = "bad_request"
	CodeIdempotencyClash = "idempotency_conflict"
	CodeNotFound         = "not_found"
	CodeLedgerDisabled   = "ledger_disabled"
	CodeInternal         = "internal"
)

type Intaker interface {
	CreateCaseFromRawWithOptions(ctx context.Context, rawText string, opts caseintake.RunOptions) (caseintake.Result, error)
}

type Journal interface {
	Get(ctx context.Context, intakeID string) (ledger.Entry, error)
	Orphans(ctx context.Context) ([]ledger.Entry, error)
}

type replayEntry struct {
	bodyHash string
	status   int
	payload  []byte
}

type Server struct {
	intake  Intaker
	journal Journal
	replay  *lru.Cache[string, replayEntry]

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewServer wires the intake routes. journal may be nil when the ledger is
// disabled; the ledger routes then answer 503.
func NewServer(intake Intaker, journal Journal, replaySize int) (http.Handler, error) {
	if replaySize <= 0 {
		replaySize = 512
	}
	cache, err := lru.New[string, replayEntry](replaySize)
	if err != nil {
		return nil, err
	}
	s := &Server{
		intake:   intake,
		journal:  journal,
		replay:   cache,
		inflight: map[string]struct{}{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intake", s.handleIntake)
	mux.HandleFunc("/v1/intakes/orphans", s.handleOrphans)
	mux.HandleFunc("/v1/intakes/", s.handleIntakeByID)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return withRequestLogger(mux), nil
}

func withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		logger := log.Ctx(r.Context()).With().Str("request_id", reqID).Logger()
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(logger.WithContext(r.Context())))
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// writeIntakeError maps the pipeline's error kinds onto HTTP statuses.
func writeIntakeError(w http.ResponseWriter, intakeID string, err error) {
	kind := caseintake.Kind(err)
	body := map[string]any{
		"code":    string(kind),
		"stage":   string(caseintake.StageOf(err)),
		"message": err.Error(),
	}
	status := http.StatusInternalServerError
	var (
		te *caseintake.TransportError
		sv *caseintake.SchemaValidationError
	)
	switch kind {
	case caseintake.KindMissingFields:
		status = http.StatusUnprocessableEntity
		body["missing_fields"], _ = caseintake.MissingFields(err)
	case caseintake.KindSchemaValidation:
		status = http.StatusUnprocessableEntity
		if errors.As(err, &sv) {
			body["fields"] = sv.Fields
		}
	case caseintake.KindMalformedOutput:
		status = http.StatusBadGateway
	case caseintake.KindTransport:
		status = http.StatusBadGateway
		if errors.As(err, &te) && te.Timeout() {
			status = http.StatusGatewayTimeout
		}
	}
	var be *backend.Error
	if errors.As(err, &be) {
		code := be.Code()
		body["backend_code"] = code
		body["backend_status"] = be.Status
		// Duplicate MRN: another intake created the patient first.
		if code == backend.CodeConflict {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]any{"ok": false, "intake_id": intakeID, "error": body})
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type intakeRequest struct {
	RawText string `json:"raw_text"`
}

type intakeResponse struct {
	OK             bool   `json:"ok"`
	IntakeID       string `json:"intake_id"`
	PatientID      int64  `json:"patient_id"`
	PatientCreated bool   `json:"patient_created"`
	EncounterID    int64  `json:"encounter_id"`
	ResearchCaseID int64  `json:"research_case_id"`
	ProcedureType  string `json:"procedure_type"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "read body: "+err.Error())
		return
	}
	if len(blob) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "body exceeds 1 MiB")
		return
	}
	var req intakeRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.RawText) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "raw_text is required")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		sum := sha256.Sum256([]byte(req.RawText))
		hash := hex.EncodeToString(sum[:])
		if prev, ok := s.replay.Get(key); ok {
			if prev.bodyHash != hash {
				writeError(w, http.StatusConflict, CodeIdempotencyClash, "idempotency key was used with a different note")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(prev.status)
			_, _ = w.Write(prev.payload)
			return
		}
		if !s.claim(key) {
			writeError(w, http.StatusConflict, CodeIdempotencyClash, "a request with this idempotency key is in progress")
			return
		}
		defer s.release(key)
		s.serveIntake(w, r, req.RawText, func(status int, payload []byte) {
			s.replay.Add(key, replayEntry{bodyHash: hash, status: status, payload: payload})
		})
		return
	}
	s.serveIntake(w, r, req.RawText, nil)
}

func (s *Server) serveIntake(w http.ResponseWriter, r *http.Request, raw string, remember func(int, []byte)) {
	res, err := s.intake.CreateCaseFromRawWithOptions(r.Context(), raw, caseintake.RunOptions{})
	if err != nil {
		writeIntakeError(w, res.IntakeID, err)
		return
	}
	payload, err := json.Marshal(intakeResponse{
		OK:             true,
		IntakeID:       res.IntakeID,
		PatientID:      res.PatientID,
		PatientCreated: res.PatientCreated,
		EncounterID:    res.EncounterID,
		ResearchCaseID: res.ResearchCaseID,
		ProcedureType:  res.ProcedureType,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	payload = append(payload, '\n')
	if remember != nil {
		remember(http.StatusCreated, payload)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}

func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, CodeLedgerDisabled, "intake ledger is disabled")
		return
	}
	orphans, err := s.journal.Orphans(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list orphans")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"count":   len(orphans),
		"intakes": orphans,
	})
}

func (s *Server) handleIntakeByID(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/intakes/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown route")
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, CodeLedgerDisabled, "intake ledger is disabled")
		return
	}
	entry, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "intake": entry, "orphan": entry.Orphan()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"ledger": s.journal != nil,
	})
}
