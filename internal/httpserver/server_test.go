package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/saveexit"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

type fakeFileService struct {
	ingestErr  error
	linkErr    error
	persistErr error
	checkErr   error
}

func (f *fakeFileService) IngestFile(_ context.Context, desc types.FileDescriptor, _ string) (*types.FileRecord, error) {
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &types.FileRecord{FileID: "file-1", ObjectKey: desc.ObjectKey}, nil
}

func (f *fakeFileService) PresignedLink(_ context.Context, fileID, _ string) (string, error) {
	if f.linkErr != nil {
		return "", f.linkErr
	}
	return "https://signed.example/" + fileID, nil
}

func (f *fakeFileService) PersistFiles(_ context.Context, _ []types.PersistItem, _ string) error {
	return f.persistErr
}

func (f *fakeFileService) CheckFileExists(_ context.Context, _ string) error {
	return f.checkErr
}

type fakeSaveExitService struct {
	info        *saveexit.LinkInfo
	state       json.RawMessage
	validateErr error
	retrieveErr error
}

func (f *fakeSaveExitService) ValidateLink(_ context.Context, _ string) (*saveexit.LinkInfo, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return f.info, nil
}

func (f *fakeSaveExitService) RetrieveState(_ context.Context, _, _ string) (json.RawMessage, error) {
	if f.retrieveErr != nil {
		return nil, f.retrieveErr
	}
	return f.state, nil
}

type fakeSubmissionReader struct {
	rec  *types.SubmissionRecord
	list []types.SubmissionRecord
	err  error
}

func (f *fakeSubmissionReader) GetByReference(_ context.Context, _ string) (*types.SubmissionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

func (f *fakeSubmissionReader) ListByForm(_ context.Context, _, _ string, _, _ int) ([]types.SubmissionRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

func newTestServer(files *fakeFileService, saveExit *fakeSaveExitService, submissions *fakeSubmissionReader) http.Handler {
	cfg := config.Defaults()
	cfg.APIKey = "test-key"
	if files == nil {
		files = &fakeFileService{}
	}
	if saveExit == nil {
		saveExit = &fakeSaveExitService{}
	}
	if submissions == nil {
		submissions = &fakeSubmissionReader{}
	}
	return NewServer(&cfg, files, saveExit, submissions).Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if withKey {
		req.Header.Set("X-Api-Key", "test-key")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzSkipsAuth(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	rec := doRequest(t, handler, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsSkipsAuth(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	rec := doRequest(t, handler, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingAPIKey(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	rec := doRequest(t, handler, http.MethodGet, "/file/file-1", "", false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWrongAPIKey(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/file/file-1", nil)
	req.Header.Set("X-Api-Key", "nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestIDEchoedInResponse(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}

func TestIngestFile(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	body := `{"file":{"objectKey":"staging/doc.pdf","filename":"doc.pdf","contentType":"application/pdf"},"retrievalKey":"key-1234"}`
	rec := doRequest(t, handler, http.MethodPost, "/file", body, true)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "file-1", resp["fileId"])
}

func TestIngestFileBadJSON(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	rec := doRequest(t, handler, http.MethodPost, "/file", "{{{", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresignedLink(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	rec := doRequest(t, handler, http.MethodPost, "/file/link", `{"fileId":"file-1","retrievalKey":"key-1234"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://signed.example/file-1", resp["url"])
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", apperrors.ErrNotFound, http.StatusNotFound},
		{"forbidden", apperrors.ErrForbidden, http.StatusForbidden},
		{"gone", apperrors.ErrGone, http.StatusGone},
		{"conflict", apperrors.ErrConflict, http.StatusConflict},
		{"validation", apperrors.ErrValidation, http.StatusBadRequest},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			files := &fakeFileService{linkErr: fmt.Errorf("wrapped detail: %w", tc.err)}
			handler := newTestServer(files, nil, nil)
			rec := doRequest(t, handler, http.MethodPost, "/file/link", `{"fileId":"file-1","retrievalKey":"k"}`, true)

			assert.Equal(t, tc.status, rec.Code)
			// Wrapped detail is logged, never echoed.
			assert.NotContains(t, rec.Body.String(), "wrapped detail")
		})
	}
}

func TestCheckFileGone(t *testing.T) {
	files := &fakeFileService{checkErr: fmt.Errorf("object expired: %w", apperrors.ErrGone)}
	handler := newTestServer(files, nil, nil)
	rec := doRequest(t, handler, http.MethodGet, "/file/file-1", "", true)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestValidateLink(t *testing.T) {
	saveExit := &fakeSaveExitService{info: &saveexit.LinkInfo{
		FormID:           "form-1",
		SecurityQuestion: "What is your favourite colour?",
		ExpireAt:         time.Now().Add(24 * time.Hour),
	}}
	handler := newTestServer(nil, saveExit, nil)
	rec := doRequest(t, handler, http.MethodGet, "/save-and-exit/link-1", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp saveexit.LinkInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "form-1", resp.FormID)
	assert.Equal(t, "What is your favourite colour?", resp.SecurityQuestion)
}

func TestRetrieveState(t *testing.T) {
	saveExit := &fakeSaveExitService{state: json.RawMessage(`{"page":3}`)}
	handler := newTestServer(nil, saveExit, nil)
	rec := doRequest(t, handler, http.MethodPost, "/save-and-exit/link-1", `{"securityAnswer":"navy blue"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":{"page":3}}`, rec.Body.String())
}

func TestRetrieveStateWrongAnswer(t *testing.T) {
	saveExit := &fakeSaveExitService{retrieveErr: fmt.Errorf("answer mismatch: %w", apperrors.ErrForbidden)}
	handler := newTestServer(nil, saveExit, nil)
	rec := doRequest(t, handler, http.MethodPost, "/save-and-exit/link-1", `{"securityAnswer":"wrong"}`, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetSubmission(t *testing.T) {
	submissions := &fakeSubmissionReader{rec: &types.SubmissionRecord{
		Reference:   "REF-001",
		FormID:      "form-1",
		FormVersion: "3",
		Meta:        json.RawMessage(`{"referenceNumber":"REF-001"}`),
		Data:        json.RawMessage(`{"main":{}}`),
		Result:      json.RawMessage(`{"files":[]}`),
	}}
	handler := newTestServer(nil, nil, submissions)
	rec := doRequest(t, handler, http.MethodGet, "/submission/REF-001", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "REF-001", resp["reference"])
	assert.Equal(t, "form-1", resp["formId"])
}

func TestListSubmissions(t *testing.T) {
	submissions := &fakeSubmissionReader{list: []types.SubmissionRecord{
		{Reference: "REF-002", FormID: "form-1", FormVersion: "3"},
		{Reference: "REF-001", FormID: "form-1", FormVersion: "3"},
	}}
	handler := newTestServer(nil, nil, submissions)
	rec := doRequest(t, handler, http.MethodGet, "/submissions?formId=form-1&formVersion=3", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Submissions []map[string]any `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Submissions, 2)
	assert.Equal(t, "REF-002", resp.Submissions[0]["reference"])
}

func TestListSubmissionsRequiresForm(t *testing.T) {
	handler := newTestServer(nil, nil, nil)
	rec := doRequest(t, handler, http.MethodGet, "/submissions?formId=form-1", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
