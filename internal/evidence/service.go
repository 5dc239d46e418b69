// Package evidence is the ledger of captured artifacts: it owns each
// record's lifecycle from upload through proof acquisition to deletion.
package evidence

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/alibi-app/alibi/internal/blob"
	"github.com/alibi-app/alibi/internal/fingerprint"
	"github.com/alibi-app/alibi/internal/proof"
	"github.com/alibi-app/alibi/internal/shared/errors"
	"github.com/alibi-app/alibi/internal/shared/metrics"
	"github.com/alibi-app/alibi/internal/shared/types"
	"github.com/alibi-app/alibi/internal/tsa"
)

// Scheduler queues records for proof acquisition.
type Scheduler interface {
	Schedule(id types.ID) bool
}

// ProofVerifier checks a token against a fingerprint.
type ProofVerifier interface {
	Verify(fp fingerprint.Fingerprint, token []byte) (*proof.VerifiedProof, error)
}

// ServiceConfig bounds what uploads the service accepts.
type ServiceConfig struct {
	MaxUploadBytes int64
	// AllowedTypes are MIME types; "image/*" style wildcards match a whole
	// top-level type. Empty allows everything.
	AllowedTypes []string
	// StaleAfter is how long a proof request may stay in flight before
	// Recover treats it as interrupted
	StaleAfter time.Duration
}

// Service implements the evidence operations.
type Service struct {
	repo      Repository
	blobs     blob.Store
	authority tsa.Authority
	verifier  ProofVerifier
	scheduler Scheduler
	events    Publisher
	cfg       ServiceConfig
	log       *slog.Logger
	locks     *locatorLocks
	now       func() time.Time
}

// NewService wires the ledger. Call SetScheduler before serving requests.
func NewService(repo Repository, blobs blob.Store, authority tsa.Authority, verifier ProofVerifier, cfg ServiceConfig, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		blobs:     blobs,
		authority: authority,
		verifier:  verifier,
		events:    noopPublisher{},
		cfg:       cfg,
		log:       log,
		locks:     newLocatorLocks(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler attaches the background driver that runs AdvanceProofState.
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// SetPublisher attaches a lifecycle event sink.
func (s *Service) SetPublisher(p Publisher) {
	if p == nil {
		p = noopPublisher{}
	}
	s.events = p
}

// UploadInput is one multipart upload.
type UploadInput struct {
	FileName   string
	Content    io.Reader
	Metadata   Metadata
	CapturedAt *time.Time
}

// Upload validates, fingerprints and stores the bytes, then creates the
// record. Any failure before Create leaves no record behind.
func (s *Service) Upload(ctx context.Context, owner types.ID, in UploadInput) (*Record, error) {
	if problems := in.Metadata.Validate(); problems != nil {
		return nil, errors.Validation("invalid evidence metadata", problems)
	}
	if problems := (FileInfo{Name: in.FileName}).Validate(); problems != nil {
		return nil, errors.Validation("invalid evidence file", problems)
	}

	data, err := io.ReadAll(io.LimitReader(in.Content, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, errors.BadRequest("failed to read uploaded file")
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, errors.PayloadTooLarge(s.cfg.MaxUploadBytes)
	}
	if len(data) == 0 {
		return nil, errors.BadRequest("file is empty")
	}

	detected := mimetype.Detect(data)
	if !s.typeAllowed(detected) {
		return nil, errors.UnsupportedContentType(baseMediaType(detected.String()))
	}

	fp := fingerprint.Compute(data)
	unlock := s.locks.Lock(blob.LocatorFor(fp))
	defer unlock()

	loc, err := s.blobs.Put(ctx, data)
	if err != nil {
		metrics.RecordBlobStoreError("put")
		s.log.Error("blob store write failed", slog.String("fingerprint", fp.Hex()), "err", err)
		return nil, errors.BlobStoreUnavailable(err)
	}

	file := FileInfo{Name: in.FileName, MimeType: baseMediaType(detected.String()), Size: int64(len(data))}
	rec, err := s.create(ctx, owner, loc, fp, in.Metadata, file, in.CapturedAt)
	if err != nil {
		s.releaseBlob(context.WithoutCancel(ctx), loc)
		return nil, err
	}
	return rec, nil
}

// Create records already stored bytes and schedules proof acquisition.
func (s *Service) Create(ctx context.Context, owner types.ID, loc blob.Locator, fp fingerprint.Fingerprint, meta Metadata, file FileInfo, capturedAt *time.Time) (*Record, error) {
	unlock := s.locks.Lock(loc)
	defer unlock()
	return s.create(ctx, owner, loc, fp, meta, file, capturedAt)
}

// create assumes the locator lock is held.
func (s *Service) create(ctx context.Context, owner types.ID, loc blob.Locator, fp fingerprint.Fingerprint, meta Metadata, file FileInfo, capturedAt *time.Time) (*Record, error) {
	if problems := meta.Validate(); problems != nil {
		return nil, errors.Validation("invalid evidence metadata", problems)
	}
	if problems := file.Validate(); problems != nil {
		return nil, errors.Validation("invalid evidence file", problems)
	}
	if locFP, err := loc.Fingerprint(); err != nil || !locFP.Equal(fp) {
		return nil, errors.BadRequest("blob locator does not match fingerprint")
	}

	rec, err := NewRecord(owner, loc, fp, meta, file, capturedAt, s.now())
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	metrics.RecordUpload(string(rec.Category), rec.FileSize)
	s.log.Info("evidence received",
		slog.String("id", rec.ID.String()),
		slog.String("fingerprint", fp.Hex()),
		slog.Int64("size", rec.FileSize))
	s.publish(ctx, Event{Type: EventReceived, RecordID: rec.ID, OwnerID: owner, Fingerprint: fp.Hex(), State: StateReceived})

	s.schedule(rec.ID)
	return rec, nil
}

// Get returns an owned, live record. Records of other owners are reported
// as not found so their existence does not leak.
func (s *Service) Get(ctx context.Context, id, requester types.ID) (*Record, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != requester || rec.IsDeleted() {
		return nil, errors.NotFound("evidence", id.String())
	}
	return rec, nil
}

// List returns the requester's records, newest capture first.
func (s *Service) List(ctx context.Context, requester types.ID, filter ListFilter) ([]*Record, int, error) {
	return s.repo.List(ctx, requester, filter)
}

// File returns the stored bytes of an owned record.
func (s *Service) File(ctx context.Context, id, requester types.ID) (*Record, []byte, error) {
	rec, err := s.Get(ctx, id, requester)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.blobs.Get(ctx, rec.BlobLocator)
	if stderrors.Is(err, blob.ErrNotFound) {
		return nil, nil, errors.NotFound("evidence file", id.String())
	}
	if err != nil {
		metrics.RecordBlobStoreError("get")
		return nil, nil, errors.BlobStoreUnavailable(err)
	}
	return rec, data, nil
}

// UpdateMetadata edits title, description or category until the record is
// verified.
func (s *Service) UpdateMetadata(ctx context.Context, id, requester types.ID, update MetadataUpdate) (*Record, error) {
	if update.IsEmpty() {
		return nil, errors.BadRequest("no fields to update")
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		update.Title = &title
	}

	current, err := s.Get(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if !current.CanEditMetadata() {
		return nil, errors.Conflict("verified evidence cannot be edited")
	}
	merged := update.Apply(Metadata{Title: current.Title, Description: current.Description, Category: current.Category})
	if problems := merged.Validate(); problems != nil {
		return nil, errors.Validation("invalid evidence metadata", problems)
	}

	rec, err := s.repo.UpdateMetadata(ctx, id, requester, update, s.now())
	if err != nil {
		return nil, err
	}
	s.publish(ctx, Event{Type: EventMetadataUpdated, RecordID: id, OwnerID: requester, State: rec.State})
	return rec, nil
}

// Delete tombstones the record and removes it with its blob. A record whose
// proof request is in flight is purged by the worker when it finishes.
func (s *Service) Delete(ctx context.Context, id, requester types.ID) error {
	before, err := s.repo.Tombstone(ctx, id, requester, s.now())
	if err != nil {
		return err
	}

	mode := "purged"
	if before.State == StateProofRequested {
		mode = "tombstoned"
	} else if err := s.repo.Purge(ctx, id); err != nil {
		// The tombstone already hides the record; Recover retries the purge.
		s.log.Error("failed to purge deleted evidence", slog.String("id", id.String()), "err", err)
	}

	unlock := s.locks.Lock(before.BlobLocator)
	s.releaseBlob(ctx, before.BlobLocator)
	unlock()

	metrics.RecordDelete(mode)
	s.log.Info("evidence deleted", slog.String("id", id.String()), slog.String("mode", mode))
	s.publish(ctx, Event{Type: EventDeleted, RecordID: id, OwnerID: requester, Fingerprint: before.Fingerprint.Hex()})
	return nil
}

// RetryProof re-queues proof acquisition for a RECEIVED or FAILED record.
func (s *Service) RetryProof(ctx context.Context, id, requester types.ID) (*Record, error) {
	rec, err := s.Get(ctx, id, requester)
	if err != nil {
		return nil, err
	}

	switch rec.State {
	case StateVerified:
		return nil, errors.Conflict("evidence is already verified")
	case StateProofRequested:
		return nil, errors.Conflict("proof request already in progress")
	}

	if !s.schedule(id) {
		s.log.Debug("proof acquisition already queued", slog.String("id", id.String()))
	}
	return rec, nil
}

// VerifyStored re-runs verification on the stored token and re-hashes the
// stored bytes. It never contacts the authority.
func (s *Service) VerifyStored(ctx context.Context, id, requester types.ID) (*VerificationReport, error) {
	rec, err := s.Get(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	if rec.ProofToken == nil {
		return nil, errors.Conflict("evidence has no proof yet")
	}

	report := &VerificationReport{
		ID:          rec.ID,
		Fingerprint: rec.Fingerprint.Hex(),
		CheckedAt:   s.now(),
	}

	vp, err := s.verifier.Verify(rec.Fingerprint, rec.ProofToken)
	if err != nil {
		report.Reason = string(proof.ReasonOf(err))
		metrics.RecordVerificationFailure(report.Reason)
	} else {
		report.Valid = true
		ts := vp.TimestampedAt
		report.TimestampedAt = &ts
		report.Authority = vp.Authority
		if vp.SerialNumber != nil {
			report.SerialNumber = vp.SerialNumber.String()
		}
	}

	data, err := s.blobs.Get(ctx, rec.BlobLocator)
	if err == nil {
		intact := fingerprint.Compute(data).Equal(rec.Fingerprint)
		report.BlobIntact = &intact
	} else if stderrors.Is(err, blob.ErrNotFound) {
		intact := false
		report.BlobIntact = &intact
	} else {
		metrics.RecordBlobStoreError("get")
		s.log.Warn("could not read blob for verification", slog.String("id", id.String()), "err", err)
	}

	return report, nil
}

// AdvanceProofState drives one proof acquisition for id. It is a no-op
// unless the record is live and in RECEIVED or FAILED; concurrent calls for
// the same record send at most one authority request.
func (s *Service) AdvanceProofState(ctx context.Context, id types.ID) error {
	claim, ok, err := s.repo.ClaimProofRequest(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("proof acquisition skipped", slog.String("id", id.String()))
		return nil
	}
	metrics.RecordTransition(string(claim.From), string(StateProofRequested))
	s.publish(ctx, Event{Type: EventProofRequested, RecordID: id, OwnerID: claim.OwnerID, Fingerprint: claim.Fingerprint.Hex(), State: StateProofRequested})

	// Results are written even if the caller is shutting down so the
	// record does not linger in PROOF_REQUESTED.
	writeCtx := context.WithoutCancel(ctx)

	token, err := s.authority.RequestProof(ctx, claim.Fingerprint)
	if err != nil {
		reason := authorityFailureReason(err)
		if ctx.Err() != nil {
			reason = ReasonInterrupted
		}
		return s.fail(writeCtx, id, claim, reason, err)
	}

	vp, err := s.verifier.Verify(claim.Fingerprint, token)
	if err != nil {
		reason := proof.ReasonOf(err)
		if reason == "" {
			reason = proof.ReasonBadSignature
		}
		metrics.RecordVerificationFailure(string(reason))
		return s.fail(writeCtx, id, claim, reasonVerificationPrefix+string(reason), err)
	}

	done, err := s.repo.CompleteVerified(writeCtx, id, token, vp.TimestampedAt, vp.Authority, s.now())
	if err != nil {
		return err
	}
	if !done {
		return s.discard(writeCtx, id)
	}

	metrics.RecordTransition(string(StateProofRequested), string(StateVerified))
	s.log.Info("evidence verified",
		slog.String("id", id.String()),
		slog.Time("timestamped_at", vp.TimestampedAt),
		slog.String("authority", vp.Authority))
	ts := vp.TimestampedAt
	s.publish(writeCtx, Event{Type: EventVerified, RecordID: id, OwnerID: claim.OwnerID, Fingerprint: claim.Fingerprint.Hex(), State: StateVerified, TimestampedAt: &ts})
	return nil
}

func (s *Service) fail(ctx context.Context, id types.ID, claim *ProofClaim, reason string, cause error) error {
	done, err := s.repo.CompleteFailed(ctx, id, reason, s.now())
	if err != nil {
		return err
	}
	if !done {
		return s.discard(ctx, id)
	}

	metrics.RecordTransition(string(StateProofRequested), string(StateFailed))
	s.log.Warn("proof acquisition failed",
		slog.String("id", id.String()),
		slog.String("reason", reason),
		"err", cause)
	s.publish(ctx, Event{Type: EventFailed, RecordID: id, OwnerID: claim.OwnerID, Fingerprint: claim.Fingerprint.Hex(), State: StateFailed, Reason: reason})
	return nil
}

// discard drops a result whose record was deleted mid-flight.
func (s *Service) discard(ctx context.Context, id types.ID) error {
	purged, err := s.repo.PurgeIfTombstoned(ctx, id)
	if err != nil {
		return err
	}
	if purged {
		metrics.RecordDelete("purged")
		s.log.Info("discarded proof for deleted evidence", slog.String("id", id.String()))
	}
	return nil
}

// RecoveryReport summarises one recovery pass.
type RecoveryReport struct {
	Rescheduled int
	Interrupted int
	Purged      int
}

func (r *RecoveryReport) empty() bool {
	return r.Rescheduled == 0 && r.Interrupted == 0 && r.Purged == 0
}

// Recover repairs state no worker will finish: purges deleted records,
// fails proof requests that outlived StaleAfter and re-queues RECEIVED
// records. It runs at startup and then periodically through Sweep.
func (s *Service) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	report := &RecoveryReport{}

	purged, err := s.repo.PurgeTombstoned(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, rec := range purged {
		unlock := s.locks.Lock(rec.BlobLocator)
		s.releaseBlob(ctx, rec.BlobLocator)
		unlock()
	}
	report.Purged = len(purged)

	report.Interrupted, err = s.repo.FailStaleRequests(ctx, cutoff, ReasonInterrupted, now)
	if err != nil {
		return nil, err
	}

	ids, err := s.repo.ListIDsByState(ctx, StateReceived)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if s.schedule(id) {
			report.Rescheduled++
		}
	}

	level := slog.LevelInfo
	if report.empty() {
		level = slog.LevelDebug
	}
	s.log.Log(ctx, level, "evidence recovery complete",
		slog.Int("rescheduled", report.Rescheduled),
		slog.Int("interrupted", report.Interrupted),
		slog.Int("purged", report.Purged))
	return report, nil
}

// Sweep is Recover shaped for Pool.WithSweep.
func (s *Service) Sweep(ctx context.Context) error {
	_, err := s.Recover(ctx)
	return err
}

// SweepInterval is how often Sweep should run so a stranded proof request
// fails within 1.5x StaleAfter.
func (s *Service) SweepInterval() time.Duration {
	return s.cfg.StaleAfter / 2
}

// releaseBlob deletes the blob when no live record references it. The
// locator lock must be held.
func (s *Service) releaseBlob(ctx context.Context, loc blob.Locator) {
	refs, err := s.repo.CountLiveByLocator(ctx, loc)
	if err != nil {
		s.log.Error("failed to count blob references", slog.String("locator", loc.String()), "err", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, loc); err != nil {
		metrics.RecordBlobStoreError("delete")
		s.log.Error("failed to delete blob", slog.String("locator", loc.String()), "err", err)
	}
}

func (s *Service) schedule(id types.ID) bool {
	if s.scheduler == nil {
		return false
	}
	return s.scheduler.Schedule(id)
}

func (s *Service) publish(ctx context.Context, e Event) {
	e.ID = types.NewID()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("failed to publish evidence event", slog.String("type", e.Type), "err", err)
	}
}

func (s *Service) typeAllowed(detected *mimetype.MIME) bool {
	if len(s.cfg.AllowedTypes) == 0 {
		return true
	}
	for m := detected; m != nil; m = m.Parent() {
		base := baseMediaType(m.String())
		for _, allowed := range s.cfg.AllowedTypes {
			if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
				if strings.HasPrefix(base, prefix+"/") {
					return true
				}
				continue
			}
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// authorityFailureReason maps a client error onto the recorded reason.
func authorityFailureReason(err error) string {
	var rejected *tsa.RejectedError
	if stderrors.As(err, &rejected) {
		return rejected.Error()
	}
	return ReasonAuthorityUnreachable
}

func baseMediaType(s string) string {
	base, _, _ := strings.Cut(s, ";")
	return strings.TrimSpace(base)
}
