package evidence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alibi-app/alibi/internal/blob"
	"github.com/alibi-app/alibi/internal/fingerprint"
	"github.com/alibi-app/alibi/internal/shared/errors"
	"github.com/alibi-app/alibi/internal/shared/types"
)

const recordColumns = `
	id, owner_id, title, description, category,
	blob_locator, fingerprint, mime_type, file_name, file_size,
	captured_at, created_at, updated_at,
	state, failure_reason, proof_token, timestamped_at, authority,
	proof_requested_at, attempts, deleted_at`

// PostgresRepository stores records in evidence.records.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new evidence repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (p *PostgresRepository) Create(ctx context.Context, r *Record) error {
	query := `
		INSERT INTO evidence.records (
			id, owner_id, title, description, category,
			blob_locator, fingerprint, mime_type, file_name, file_size,
			captured_at, created_at, updated_at, state, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0)`

	_, err := p.pool.Exec(ctx, query,
		r.ID, r.OwnerID, r.Title, r.Description, string(r.Category),
		r.BlobLocator.String(), r.Fingerprint.Bytes(), r.MimeType, r.FileName, r.FileSize,
		r.CapturedAt, r.CreatedAt, r.UpdatedAt, string(StateReceived),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("evidence with this id already exists")
		}
		return errors.Wrap(err, "failed to save evidence")
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, id types.ID) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM evidence.records WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("evidence", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find evidence")
	}
	return r, nil
}

func (p *PostgresRepository) List(ctx context.Context, owner types.ID, filter ListFilter) ([]*Record, int, error) {
	filter = filter.normalized()

	conditions := []string{"owner_id = $1", "deleted_at IS NULL"}
	args := []any{owner}
	argNum := 2

	if filter.Category != nil {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argNum))
		args = append(args, string(*filter.Category))
		argNum++
	}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("title ILIKE $%d", argNum))
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argNum++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM evidence.records " + whereClause
	if err := p.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count evidence")
	}

	query := fmt.Sprintf(`SELECT %s FROM evidence.records %s
		ORDER BY captured_at DESC, created_at DESC
		LIMIT $%d OFFSET $%d`, recordColumns, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list evidence")
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan evidence")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to list evidence")
	}

	return records, total, nil
}

func (p *PostgresRepository) UpdateMetadata(ctx context.Context, id, owner types.ID, update MetadataUpdate, now time.Time) (*Record, error) {
	var category *string
	if update.Category != nil {
		c := string(*update.Category)
		category = &c
	}

	query := `
		UPDATE evidence.records SET
			title = COALESCE($3, title),
			description = COALESCE($4, description),
			category = COALESCE($5, category),
			updated_at = $6
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL AND state <> 'VERIFIED'
		RETURNING ` + recordColumns

	r, err := scanRecord(p.pool.QueryRow(ctx, query, id, owner, update.Title, update.Description, category, now))
	if err == nil {
		return r, nil
	}
	if err != pgx.ErrNoRows {
		return nil, errors.Wrap(err, "failed to update evidence")
	}

	// The guard failed; report why.
	current, getErr := p.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.OwnerID != owner || current.IsDeleted() {
		return nil, errors.NotFound("evidence", id.String())
	}
	return nil, errors.Conflict("verified evidence cannot be edited")
}

func (p *PostgresRepository) ClaimProofRequest(ctx context.Context, id types.ID, now time.Time) (*ProofClaim, bool, error) {
	// The CTE locks the row and captures the prior state for the caller.
	query := `
		WITH prev AS (
			SELECT id, state FROM evidence.records WHERE id = $1 FOR UPDATE
		)
		UPDATE evidence.records r SET
			state = 'PROOF_REQUESTED',
			failure_reason = NULL,
			proof_requested_at = $2,
			attempts = r.attempts + 1,
			updated_at = $2
		FROM prev
		WHERE r.id = prev.id
			AND r.state IN ('RECEIVED', 'FAILED')
			AND r.deleted_at IS NULL
			AND r.proof_token IS NULL
		RETURNING prev.state, r.owner_id, r.fingerprint`

	var (
		from    string
		owner   types.ID
		fpBytes []byte
	)
	err := p.pool.QueryRow(ctx, query, id, now).Scan(&from, &owner, &fpBytes)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to claim proof request")
	}

	fp, err := fingerprint.FromBytes(fpBytes)
	if err != nil {
		return nil, false, errors.Wrap(err, "stored fingerprint is corrupt")
	}
	return &ProofClaim{From: State(from), OwnerID: owner, Fingerprint: fp}, true, nil
}

func (p *PostgresRepository) CompleteVerified(ctx context.Context, id types.ID, token []byte, timestampedAt time.Time, authority string, now time.Time) (bool, error) {
	query := `
		UPDATE evidence.records SET
			state = 'VERIFIED',
			proof_token = $2,
			timestamped_at = $3,
			authority = $4,
			updated_at = $5
		WHERE id = $1 AND state = 'PROOF_REQUESTED' AND deleted_at IS NULL AND proof_token IS NULL`

	return p.execGuarded(ctx, "failed to record verified proof", query, id, token, timestampedAt, authority, now)
}

func (p *PostgresRepository) CompleteFailed(ctx context.Context, id types.ID, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE evidence.records SET
			state = 'FAILED',
			failure_reason = $2,
			updated_at = $3
		WHERE id = $1 AND state = 'PROOF_REQUESTED' AND deleted_at IS NULL`

	return p.execGuarded(ctx, "failed to record proof failure", query, id, reason, now)
}

func (p *PostgresRepository) Tombstone(ctx context.Context, id, owner types.ID, now time.Time) (*Record, error) {
	// RETURNING sees the new row; the prior deleted_at is NULL by the guard.
	query := `
		UPDATE evidence.records SET deleted_at = $3
		WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL
		RETURNING ` + recordColumns

	r, err := scanRecord(p.pool.QueryRow(ctx, query, id, owner, now))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("evidence", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to delete evidence")
	}
	r.DeletedAt = nil
	return r, nil
}

func (p *PostgresRepository) Purge(ctx context.Context, id types.ID) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM evidence.records WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, "failed to purge evidence")
	}
	return nil
}

func (p *PostgresRepository) PurgeIfTombstoned(ctx context.Context, id types.ID) (bool, error) {
	return p.execGuarded(ctx, "failed to purge evidence",
		`DELETE FROM evidence.records WHERE id = $1 AND deleted_at IS NOT NULL`, id)
}

func (p *PostgresRepository) CountLiveByLocator(ctx context.Context, loc blob.Locator) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evidence.records WHERE blob_locator = $1 AND deleted_at IS NULL`,
		loc.String(),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count blob references")
	}
	return n, nil
}

func (p *PostgresRepository) ListIDsByState(ctx context.Context, state State) ([]types.ID, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM evidence.records WHERE state = $1 AND deleted_at IS NULL ORDER BY created_at`,
		string(state))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list evidence by state")
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan evidence id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresRepository) FailStaleRequests(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE evidence.records SET state = 'FAILED', failure_reason = $2, updated_at = $3
		WHERE state = 'PROOF_REQUESTED' AND deleted_at IS NULL
			AND (proof_requested_at IS NULL OR proof_requested_at < $1)`,
		cutoff, reason, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to fail stale proof requests")
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresRepository) PurgeTombstoned(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, `
		DELETE FROM evidence.records
		WHERE deleted_at IS NOT NULL
			AND (state <> 'PROOF_REQUESTED' OR proof_requested_at IS NULL OR proof_requested_at < $1)
		RETURNING `+recordColumns, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to purge tombstoned evidence")
	}
	defer rows.Close()

	var purged []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan purged evidence")
		}
		purged = append(purged, r)
	}
	return purged, rows.Err()
}

func (p *PostgresRepository) execGuarded(ctx context.Context, msg, query string, args ...any) (bool, error) {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, msg)
	}
	return tag.RowsAffected() == 1, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r             Record
		category      string
		locator       string
		fpBytes       []byte
		state         string
		failureReason *string
		authority     *string
	)

	err := row.Scan(
		&r.ID, &r.OwnerID, &r.Title, &r.Description, &category,
		&locator, &fpBytes, &r.MimeType, &r.FileName, &r.FileSize,
		&r.CapturedAt, &r.CreatedAt, &r.UpdatedAt,
		&state, &failureReason, &r.ProofToken, &r.TimestampedAt, &authority,
		&r.ProofRequestedAt, &r.Attempts, &r.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint.FromBytes(fpBytes)
	if err != nil {
		return nil, fmt.Errorf("stored fingerprint is corrupt: %w", err)
	}

	r.Category = Category(category)
	r.BlobLocator = blob.Locator(locator)
	r.Fingerprint = fp
	r.State = State(state)
	if failureReason != nil {
		r.FailureReason = *failureReason
	}
	if authority != nil {
		r.Authority = *authority
	}
	return &r, nil
}

// escapeLike escapes ILIKE wildcards in user input.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
