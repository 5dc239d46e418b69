package evidence

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alibi-app/alibi/internal/shared/auth"
	"github.com/alibi-app/alibi/internal/shared/errors"
	"github.com/alibi-app/alibi/internal/shared/types"
)

// multipart overhead allowed on top of the file size limit
const formOverhead = 1 << 20

// Handler provides HTTP handlers for the evidence module
type Handler struct {
	svc       *Service
	publicURL string
	maxBytes  int64
	// uploadLimit wraps the upload route, typically a rate limiter
	uploadLimit func(http.Handler) http.Handler
}

// NewHandler creates a new evidence handler. publicURL prefixes file_url.
func NewHandler(svc *Service, publicURL string, maxBytes int64) *Handler {
	return &Handler{
		svc:       svc,
		publicURL: strings.TrimRight(publicURL, "/"),
		maxBytes:  maxBytes,
	}
}

// WithUploadLimit installs middleware for the upload route only.
func (h *Handler) WithUploadLimit(mw func(http.Handler) http.Handler) *Handler {
	h.uploadLimit = mw
	return h
}

// Routes registers the evidence routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListEvidence)
	if h.uploadLimit != nil {
		r.With(h.uploadLimit).Post("/upload", h.UploadEvidence)
	} else {
		r.Post("/upload", h.UploadEvidence)
	}

	r.Route("/{evidenceID}", func(r chi.Router) {
		r.Get("/", h.GetEvidence)
		r.Patch("/", h.UpdateEvidence)
		r.Delete("/", h.DeleteEvidence)

		r.Post("/retry", h.RetryProof)
		r.Get("/verify", h.VerifyEvidence)
		r.Get("/proof", h.DownloadProof)
		r.Get("/file", h.DownloadFile)
	})

	return r
}

// ListEvidence lists the caller's evidence
func (h *Handler) ListEvidence(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := ListFilter{Search: q.Get("search")}
	if t := q.Get("type"); t != "" {
		c := Category(strings.ToLower(t))
		if !c.Valid() {
			writeError(w, errors.BadRequest("invalid type filter"))
			return
		}
		filter.Category = &c
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, errors.BadRequest("invalid limit"))
			return
		}
		filter.Limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil {
			writeError(w, errors.BadRequest("invalid offset"))
			return
		}
		filter.Offset = n
	}

	records, total, err := h.svc.List(r.Context(), user.ID, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]View, 0, len(records))
	for _, rec := range records {
		items = append(items, h.view(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	})
}

// UploadEvidence accepts a multipart upload and creates a record
func (h *Handler) UploadEvidence(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, errors.PayloadTooLarge(h.maxBytes))
			return
		}
		writeError(w, errors.BadRequest("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errors.Validation("invalid evidence metadata", map[string]string{"file": "file is required"}))
		return
	}
	defer file.Close()

	category, err := ParseCategory(r.FormValue("item_type"))
	if err != nil {
		writeError(w, errors.Validation("invalid evidence metadata", map[string]string{"type": err.Error()}))
		return
	}

	var capturedAt *time.Time
	if v := r.FormValue("captured_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errors.Validation("invalid evidence metadata", map[string]string{"captured_at": "captured_at must be RFC 3339"}))
			return
		}
		capturedAt = &t
	}

	rec, err := h.svc.Upload(r.Context(), user.ID, UploadInput{
		FileName: header.Filename,
		Content:  file,
		Metadata: Metadata{
			Title:       r.FormValue("title"),
			Description: r.FormValue("description"),
			Category:    category,
		},
		CapturedAt: capturedAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.view(rec))
}

// GetEvidence gets one record
func (h *Handler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Get(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec))
}

// UpdateEvidenceRequest is the PATCH body; absent fields are unchanged.
type UpdateEvidenceRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Type        *string `json:"type"`
}

// UpdateEvidence edits metadata of an unverified record
func (h *Handler) UpdateEvidence(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req UpdateEvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	update := MetadataUpdate{Title: req.Title, Description: req.Description}
	if req.Type != nil {
		c := Category(strings.ToLower(*req.Type))
		update.Category = &c
	}

	rec, err := h.svc.UpdateMetadata(r.Context(), id, user.ID, update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec))
}

// DeleteEvidence removes a record and its bytes
func (h *Handler) DeleteEvidence(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	if err := h.svc.Delete(r.Context(), id, user.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Evidence deleted successfully"})
}

// RetryProof re-queues proof acquisition
func (h *Handler) RetryProof(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.RetryProof(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.view(rec))
}

// VerifyEvidence re-checks the stored proof offline
func (h *Handler) VerifyEvidence(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	report, err := h.svc.VerifyStored(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// DownloadProof serves the raw timestamp token
func (h *Handler) DownloadProof(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.Get(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.ProofToken == nil {
		writeError(w, errors.Conflict("evidence has no proof yet"))
		return
	}

	w.Header().Set("Content-Type", "application/timestamp-token")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.ID.String()+".tst"))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.ProofToken)
}

// DownloadFile serves the stored bytes
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	user, id, ok := h.target(w, r)
	if !ok {
		return
	}

	rec, data, err := h.svc.File(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if rec.FileName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.FileName))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) view(rec *Record) View {
	return NewView(rec, fmt.Sprintf("%s/api/v1/evidence/%s/file", h.publicURL, rec.ID))
}

// target resolves the caller and the record id from the path.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (*auth.User, types.ID, bool) {
	user, ok := requireUser(w, r)
	if !ok {
		return nil, "", false
	}
	id, err := types.ParseID(chi.URLParam(r, "evidenceID"))
	if err != nil {
		// Malformed ids cannot name an existing record
		writeError(w, errors.NotFound("evidence", chi.URLParam(r, "evidenceID")))
		return nil, "", false
	}
	return user, id, true
}

func requireUser(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user := auth.GetUser(r.Context())
	if user == nil || user.ID.IsZero() {
		writeError(w, errors.Unauthorized("authentication required"))
		return nil, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
