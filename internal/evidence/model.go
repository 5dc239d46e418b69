package evidence

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alibi-app/alibi/internal/blob"
	"github.com/alibi-app/alibi/internal/fingerprint"
	"github.com/alibi-app/alibi/internal/shared/types"
)

// State is the lifecycle position of a record. It never crosses the HTTP
// boundary; clients see Status instead.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateProofRequested State = "PROOF_REQUESTED"
	StateVerified       State = "VERIFIED"
	StateFailed         State = "FAILED"
)

// CanRequestProof reports whether proof acquisition may (re)start.
func (s State) CanRequestProof() bool {
	return s == StateReceived || s == StateFailed
}

// Status is the boundary projection of State.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

func (s State) Status() Status {
	switch s {
	case StateVerified:
		return StatusVerified
	case StateFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Category classifies what was captured
type Category string

const (
	CategoryPhoto    Category = "photo"
	CategoryDocument Category = "document"
	CategoryReceipt  Category = "receipt"
	CategoryNote     Category = "note"
	CategoryOther    Category = "other"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryPhoto, CategoryDocument, CategoryReceipt, CategoryNote, CategoryOther:
		return true
	}
	return false
}

// ParseCategory accepts the lowercase category names; empty means photo.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryPhoto, nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Failure reasons recorded on FAILED records.
const (
	ReasonAuthorityUnreachable = "timestamp authority unreachable"
	ReasonInterrupted          = "proof request interrupted"
	reasonVerificationPrefix   = "proof verification failed: "
)

const (
	maxTitleLength    = 255
	maxFileNameLength = 500
)

// Record is one captured artifact and its proof lifecycle.
type Record struct {
	ID          types.ID
	OwnerID     types.ID
	Title       string
	Description string
	Category    Category

	BlobLocator blob.Locator
	Fingerprint fingerprint.Fingerprint
	MimeType    string
	FileName    string
	FileSize    int64

	// CapturedAt is asserted by the client and is never part of the proof
	CapturedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time

	State         State
	FailureReason string

	// ProofToken, TimestampedAt and Authority are written together by the
	// transition into VERIFIED and never again
	ProofToken    []byte
	TimestampedAt *time.Time
	Authority     string

	ProofRequestedAt *time.Time
	Attempts         int

	DeletedAt *time.Time
}

// Metadata is the user-editable part of a record.
type Metadata struct {
	Title       string
	Description string
	Category    Category
}

// Validate checks metadata and returns field errors keyed by name.
func (m Metadata) Validate() map[string]string {
	problems := map[string]string{}
	if strings.TrimSpace(m.Title) == "" {
		problems["title"] = "title is required"
	} else if utf8.RuneCountInString(m.Title) > maxTitleLength {
		problems["title"] = fmt.Sprintf("title must be at most %d characters", maxTitleLength)
	}
	if !m.Category.Valid() {
		problems["type"] = "type must be one of photo, document, receipt, note, other"
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// FileInfo describes the stored bytes.
type FileInfo struct {
	Name     string
	MimeType string
	Size     int64
}

// Validate reports a client file name the ledger cannot store.
func (f FileInfo) Validate() map[string]string {
	if utf8.RuneCountInString(f.Name) > maxFileNameLength {
		return map[string]string{"file": fmt.Sprintf("file name must be at most %d characters", maxFileNameLength)}
	}
	return nil
}

// NewRecord creates a record in RECEIVED. capturedAt defaults to now.
func NewRecord(owner types.ID, loc blob.Locator, fp fingerprint.Fingerprint, meta Metadata, file FileInfo, capturedAt *time.Time, now time.Time) (*Record, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("owner is required")
	}
	if loc == "" {
		return nil, fmt.Errorf("blob locator is required")
	}
	if fp.IsZero() {
		return nil, fmt.Errorf("fingerprint is required")
	}
	if problems := meta.Validate(); problems != nil {
		return nil, fmt.Errorf("invalid metadata: %v", problems)
	}
	if problems := file.Validate(); problems != nil {
		return nil, fmt.Errorf("invalid file: %v", problems)
	}

	captured := now
	if capturedAt != nil && !capturedAt.IsZero() {
		captured = capturedAt.UTC()
	}

	return &Record{
		ID:          types.NewID(),
		OwnerID:     owner,
		Title:       strings.TrimSpace(meta.Title),
		Description: meta.Description,
		Category:    meta.Category,
		BlobLocator: loc,
		Fingerprint: fp,
		MimeType:    file.MimeType,
		FileName:    file.Name,
		FileSize:    file.Size,
		CapturedAt:  captured,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       StateReceived,
	}, nil
}

// Verified is the derived boolean exposed to clients.
func (r *Record) Verified() bool {
	return r.State == StateVerified
}

// CanEditMetadata reports whether title, description and category may change.
func (r *Record) CanEditMetadata() bool {
	return r.State != StateVerified
}

// IsDeleted reports whether the record carries a tombstone.
func (r *Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// MetadataUpdate holds optional edits; nil fields are left unchanged.
type MetadataUpdate struct {
	Title       *string
	Description *string
	Category    *Category
}

// Apply returns m with the update applied.
func (u MetadataUpdate) Apply(m Metadata) Metadata {
	if u.Title != nil {
		m.Title = strings.TrimSpace(*u.Title)
	}
	if u.Description != nil {
		m.Description = *u.Description
	}
	if u.Category != nil {
		m.Category = *u.Category
	}
	return m
}

func (u MetadataUpdate) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Category == nil
}

// ListFilter narrows a listing
type ListFilter struct {
	Category *Category
	Search   string
	Limit    int
	Offset   int
}

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

// View is the JSON shape returned to clients. It never carries the proof
// bytes or the internal state.
type View struct {
	ID            types.ID   `json:"id"`
	Title         string     `json:"title"`
	Type          Category   `json:"type"`
	Description   string     `json:"description"`
	FileURL       string     `json:"file_url"`
	FileName      string     `json:"file_name,omitempty"`
	FileSize      int64      `json:"file_size"`
	MimeType      string     `json:"mime_type"`
	ContentHash   string     `json:"content_hash"`
	Fingerprint   string     `json:"fingerprint"`
	CapturedAt    time.Time  `json:"captured_at"`
	CreatedAt     time.Time  `json:"created_at"`
	TimestampedAt *time.Time `json:"timestamped_at"`
	Authority     string     `json:"authority,omitempty"`
	Verified      bool       `json:"verified"`
	Status        Status     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// NewView projects r; fileURL is the download link for the bytes.
func NewView(r *Record, fileURL string) View {
	hash := r.Fingerprint.Hex()
	return View{
		ID:            r.ID,
		Title:         r.Title,
		Type:          r.Category,
		Description:   r.Description,
		FileURL:       fileURL,
		FileName:      r.FileName,
		FileSize:      r.FileSize,
		MimeType:      r.MimeType,
		ContentHash:   hash,
		Fingerprint:   hash,
		CapturedAt:    r.CapturedAt,
		CreatedAt:     r.CreatedAt,
		TimestampedAt: r.TimestampedAt,
		Authority:     r.Authority,
		Verified:      r.Verified(),
		Status:        r.State.Status(),
		FailureReason: r.FailureReason,
	}
}

// VerificationReport is the outcome of re-checking a stored proof.
type VerificationReport struct {
	ID            types.ID   `json:"id"`
	Valid         bool       `json:"valid"`
	Reason        string     `json:"reason,omitempty"`
	Fingerprint   string     `json:"fingerprint"`
	TimestampedAt *time.Time `json:"timestamped_at,omitempty"`
	Authority     string     `json:"authority,omitempty"`
	SerialNumber  string     `json:"serial_number,omitempty"`
	// BlobIntact is nil when the stored bytes could not be read
	BlobIntact *bool     `json:"blob_intact"`
	CheckedAt  time.Time `json:"checked_at"`
}
