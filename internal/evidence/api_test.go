package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibi-app/alibi/internal/shared/auth"
	"github.com/alibi-app/alibi/internal/shared/types"
)

type apiHarness struct {
	*harness
	handler http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := newHarness(t, nil)
	return &apiHarness{
		harness: h,
		handler: NewHandler(h.svc, "https://alibi.test/", h.svc.cfg.MaxUploadBytes).Routes(),
	}
}

func (a *apiHarness) do(t *testing.T, user types.ID, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if !user.IsZero() {
		req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: user}))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if content != nil {
		fw, err := mw.CreateFormFile("file", "evidence.txt")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAPIUploadAndGet(t *testing.T) {
	a := newAPIHarness(t)

	resp := a.do(t, a.owner, uploadRequest(t, map[string]string{
		"title":       "Front door",
		"item_type":   "photo",
		"description": "before the move",
		"captured_at": "2026-03-01T09:30:00Z",
	}, []byte("hello-evidence")))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	body := decode(t, resp)
	assert.Equal(t, "Front door", body["title"])
	assert.Equal(t, "photo", body["type"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, false, body["verified"])
	assert.Nil(t, body["timestamped_at"])
	assert.Equal(t, "2026-03-01T09:30:00Z", body["captured_at"])
	assert.Equal(t, "671985eb92347edde76f5415c80c9c69a2c575f0942e5ae1c0905ce57626259d", body["content_hash"])
	assert.NotContains(t, body, "state")

	id := body["id"].(string)
	assert.Equal(t, "https://alibi.test/api/v1/evidence/"+id+"/file", body["file_url"])

	require.NoError(t, a.svc.AdvanceProofState(context.Background(), types.ID(id)))

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, "/"+id, nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body = decode(t, resp)
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, "verified", body["status"])
	assert.NotNil(t, body["timestamped_at"])
	assert.NotContains(t, resp.Body.String(), "proof_token")
}

func TestAPIUploadDefaultsToPhoto(t *testing.T) {
	a := newAPIHarness(t)

	resp := a.do(t, a.owner, uploadRequest(t, map[string]string{"title": "t"}, []byte("hello-evidence")))
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "photo", decode(t, resp)["type"])
}

func TestAPIUploadErrors(t *testing.T) {
	a := newAPIHarness(t)

	tests := []struct {
		name    string
		fields  map[string]string
		content []byte
		status  int
	}{
		{"missing file", map[string]string{"title": "t"}, nil, http.StatusBadRequest},
		{"missing title", map[string]string{}, []byte("x"), http.StatusBadRequest},
		{"bad type", map[string]string{"title": "t", "item_type": "selfie"}, []byte("x"), http.StatusBadRequest},
		{"bad captured_at", map[string]string{"title": "t", "captured_at": "yesterday"}, []byte("x"), http.StatusBadRequest},
		{"too large", map[string]string{"title": "t"}, bytes.Repeat([]byte("a"), 2<<10), http.StatusRequestEntityTooLarge},
		{"unsupported", map[string]string{"title": "t"}, []byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"), http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, a.owner, uploadRequest(t, tt.fields, tt.content))
			assert.Equal(t, tt.status, resp.Code, resp.Body.String())
		})
	}

	a.blobs.SetAvailable(false)
	resp := a.do(t, a.owner, uploadRequest(t, map[string]string{"title": "t"}, []byte("x")))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	a.blobs.SetAvailable(true)

	_, total, err := a.svc.List(context.Background(), a.owner, ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAPIRequiresUser(t *testing.T) {
	a := newAPIHarness(t)

	resp := a.do(t, "", httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAPIListShape(t *testing.T) {
	a := newAPIHarness(t)
	a.upload(t, "one")
	a.upload(t, "two")

	resp := a.do(t, a.owner, httptest.NewRequest(http.MethodGet, "/?limit=1", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["items"], 1)

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, "/?type=nonsense", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAPIForeignAndMalformedIDs(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.upload(t, "hello-evidence")

	resp := a.do(t, types.NewID(), httptest.NewRequest(http.MethodGet, "/"+rec.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, "/not-a-uuid", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAPIDelete(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.upload(t, "hello-evidence")

	resp := a.do(t, a.owner, httptest.NewRequest(http.MethodDelete, "/"+rec.ID.String(), nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "Evidence deleted successfully", decode(t, resp)["message"])

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodDelete, "/"+rec.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, "/"+rec.ID.String(), nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAPIPatch(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.upload(t, "hello-evidence")
	path := "/" + rec.ID.String()

	resp := a.do(t, a.owner, httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"title":"Renamed","type":"receipt"}`)))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	body := decode(t, resp)
	assert.Equal(t, "Renamed", body["title"])
	assert.Equal(t, "receipt", body["type"])

	require.NoError(t, a.svc.AdvanceProofState(context.Background(), rec.ID))

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodPatch, path, strings.NewReader(`{"title":"Too late"}`)))
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestAPIProofArtifacts(t *testing.T) {
	a := newAPIHarness(t)
	rec := a.upload(t, "hello-evidence")
	path := "/" + rec.ID.String()

	resp := a.do(t, a.owner, httptest.NewRequest(http.MethodGet, path+"/proof", nil))
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodPost, path+"/retry", nil))
	assert.Equal(t, http.StatusAccepted, resp.Code)

	require.NoError(t, a.svc.AdvanceProofState(context.Background(), rec.ID))

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodPost, path+"/retry", nil))
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, path+"/proof", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/timestamp-token", resp.Header().Get("Content-Type"))
	assert.Equal(t, a.get(t, rec.ID).ProofToken, resp.Body.Bytes())

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, path+"/verify", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, true, body["blob_intact"])

	resp = a.do(t, a.owner, httptest.NewRequest(http.MethodGet, path+"/file", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "hello-evidence", resp.Body.String())
	assert.Equal(t, "text/plain", resp.Header().Get("Content-Type"))
}
