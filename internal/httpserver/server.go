// Package httpserver is the thin HTTP surface over the file lifecycle and
// saved-progress retrieval. Handlers are adapters: decode, delegate to the
// service, map the error taxonomy to status codes.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/saveexit"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

type fileService interface {
	IngestFile(ctx context.Context, desc types.FileDescriptor, retrievalKey string) (*types.FileRecord, error)
	PresignedLink(ctx context.Context, fileID, retrievalKey string) (string, error)
	PersistFiles(ctx context.Context, items []types.PersistItem, newRetrievalKey string) error
	CheckFileExists(ctx context.Context, fileID string) error
}

type saveExitService interface {
	ValidateLink(ctx context.Context, magicLinkID string) (*saveexit.LinkInfo, error)
	RetrieveState(ctx context.Context, magicLinkID, securityAnswer string) (json.RawMessage, error)
}

type submissionReader interface {
	GetByReference(ctx context.Context, reference string) (*types.SubmissionRecord, error)
	ListByForm(ctx context.Context, formID, formVersion string, limit, offset int) ([]types.SubmissionRecord, error)
}

// Server holds dependencies for handling HTTP requests.
type Server struct {
	cfg         *config.Config
	files       fileService
	saveExit    saveExitService
	submissions submissionReader
}

func NewServer(cfg *config.Config, files fileService, saveExit saveExitService, submissions submissionReader) *Server {
	return &Server{
		cfg:         cfg,
		files:       files,
		saveExit:    saveExit,
		submissions: submissions,
	}
}

// Handler assembles the mux with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.HealthzHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /file", s.IngestHandler)
	mux.HandleFunc("POST /file/link", s.PresignedLinkHandler)
	mux.HandleFunc("POST /files/persist", s.PersistHandler)
	mux.HandleFunc("GET /file/{fileId}", s.CheckFileHandler)

	mux.HandleFunc("GET /save-and-exit/{magicLinkId}", s.ValidateLinkHandler)
	mux.HandleFunc("POST /save-and-exit/{magicLinkId}", s.RetrieveStateHandler)

	mux.HandleFunc("GET /submission/{reference}", s.GetSubmissionHandler)
	mux.HandleFunc("GET /submissions", s.ListSubmissionsHandler)

	return RequestIDMiddleware(s.WithAPIKeyAuth(mux))
}

// WithAPIKeyAuth enforces the service API key on all requests except health
// checks and metrics scrapes, so the service can sit behind the gateway
// while staying reachable by probes.
func (s *Server) WithAPIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		providedKey := r.Header.Get("X-Api-Key")
		if providedKey == "" || providedKey != s.cfg.APIKey {
			logger.Warn(r.Context(), "missing or invalid API key")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HealthzHandler responds to health checks.
func (s *Server) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type ingestRequest struct {
	File         types.FileDescriptor `json:"file"`
	RetrievalKey string               `json:"retrievalKey"`
}

func (s *Server) IngestHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	rec, err := s.files.IngestFile(ctx, body.File, body.RetrievalKey)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"fileId":    rec.FileID,
		"objectKey": rec.ObjectKey,
	})
}

type presignedLinkRequest struct {
	FileID       string `json:"fileId"`
	RetrievalKey string `json:"retrievalKey"`
}

func (s *Server) PresignedLinkHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body presignedLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	link, err := s.files.PresignedLink(ctx, body.FileID, body.RetrievalKey)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"url": link})
}

type persistRequest struct {
	Files                 []types.PersistItem `json:"files"`
	PersistedRetrievalKey string              `json:"persistedRetrievalKey"`
}

func (s *Server) PersistHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body persistRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.files.PersistFiles(ctx, body.Files, body.PersistedRetrievalKey); err != nil {
		s.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"persisted": len(body.Files)})
}

func (s *Server) CheckFileHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.files.CheckFileExists(ctx, r.PathValue("fileId")); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) ValidateLinkHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := s.saveExit.ValidateLink(ctx, r.PathValue("magicLinkId"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type retrieveStateRequest struct {
	SecurityAnswer string `json:"securityAnswer"`
}

func (s *Server) RetrieveStateHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body retrieveStateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	state, err := s.saveExit.RetrieveState(ctx, r.PathValue("magicLinkId"), body.SecurityAnswer)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) GetSubmissionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := s.submissions.GetByReference(ctx, r.PathValue("reference"))
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reference":       rec.Reference,
		"formId":          rec.FormID,
		"formVersion":     rec.FormVersion,
		"meta":            rec.Meta,
		"data":            rec.Data,
		"result":          rec.Result,
		"recordCreatedAt": rec.RecordCreatedAt,
	})
}

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

func (s *Server) ListSubmissionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	formID := r.URL.Query().Get("formId")
	formVersion := r.URL.Query().Get("formVersion")
	if formID == "" || formVersion == "" {
		http.Error(w, "formId and formVersion are required", http.StatusBadRequest)
		return
	}

	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, err := s.submissions.ListByForm(ctx, formID, formVersion, limit, offset)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, map[string]any{
			"reference":       rec.Reference,
			"formId":          rec.FormID,
			"formVersion":     rec.FormVersion,
			"recordCreatedAt": rec.RecordCreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": items})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// writeError maps the service error taxonomy to HTTP status codes. Wrapped
// detail is logged, never echoed: hashes and keys stay out of responses.
func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var status int
	var message string
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, apperrors.ErrForbidden):
		status, message = http.StatusForbidden, "forbidden"
	case errors.Is(err, apperrors.ErrGone):
		status, message = http.StatusGone, "gone"
	case errors.Is(err, apperrors.ErrConflict):
		status, message = http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrValidation):
		status, message = http.StatusBadRequest, "bad request"
	default:
		status, message = http.StatusInternalServerError, "internal server error"
	}

	if status == http.StatusInternalServerError {
		logger.Error(ctx, "request failed", err)
	} else {
		logger.Warn(ctx, "request rejected", logger.Fields{
			"status": status,
		})
	}
	http.Error(w, message, status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
