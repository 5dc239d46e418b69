package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/digitorus/timestamp"

	"github.com/alibi-app/alibi/internal/fingerprint"
	"github.com/alibi-app/alibi/internal/shared/metrics"
)

const maxResponseBytes = 1 << 20

// ErrUnreachable is returned when every attempt in the retry budget failed
// with a transport error.
var ErrUnreachable = errors.New("timestamp authority unreachable")

// Authority issues timestamp tokens for fingerprints.
type Authority interface {
	// RequestProof returns a DER encoded RFC 3161 TimeStampToken whose
	// message imprint is fp. Only the fingerprint leaves the process.
	RequestProof(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error)
	Name() string
}

// TransportError is a failure that may succeed on retry: network errors,
// timeouts, 5xx and 429 responses.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("timestamp authority returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("timestamp authority transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError means the authority answered but refused or garbled the
// request. It is never retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "timestamp authority rejected request: " + e.Reason
}

// Client requests tokens from a remote RFC 3161 authority.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	log  *slog.Logger
}

// NewClient validates cfg and returns a client. httpClient may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("timestamp authority URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1")
	}
	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt timeout must be positive")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient, log: log}, nil
}

func (c *Client) Name() string {
	return c.cfg.URL
}

// RequestProof retries transport failures with jittered exponential backoff.
// At most MaxAttempts requests are sent.
func (c *Client) RequestProof(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	var (
		token    []byte
		lastErr  error
		attempts int
	)
	operation := func() error {
		attempts++
		tok, err := c.attempt(ctx, fp)
		if err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		token = tok
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("timestamp authority attempt failed",
			slog.String("fingerprint", fp.Hex()),
			slog.Int("attempt", attempts),
			slog.Duration("retry_in", wait),
			"err", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return token, nil
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnreachable, attempts, lastErr)
}

// attempt performs one bounded round trip.
func (c *Client) attempt(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	start := time.Now()

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to generate nonce: %w", err)}
	}

	req := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: fp.Bytes(),
		Certificates:  true,
		Nonce:         nonce,
	}
	der, err := req.Marshal()
	if err != nil {
		return nil, &RejectedError{Reason: fmt.Sprintf("failed to encode request: %v", err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(der))
	if err != nil {
		return nil, &RejectedError{Reason: fmt.Sprintf("invalid authority URL: %v", err)}
	}
	httpReq.Header.Set("Content-Type", contentTypeQuery)
	httpReq.Header.Set("Accept", contentTypeReply)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordTSARequest("transport_error", time.Since(start))
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.RecordTSARequest("transport_error", time.Since(start))
		return nil, &TransportError{Err: err}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordTSARequest("transport_error", time.Since(start))
		return nil, &TransportError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		metrics.RecordTSARequest("rejected", time.Since(start))
		return nil, &RejectedError{Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		metrics.RecordTSARequest("rejected", time.Since(start))
		return nil, &RejectedError{Reason: err.Error()}
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		metrics.RecordTSARequest("rejected", time.Since(start))
		return nil, &RejectedError{Reason: "nonce mismatch"}
	}
	if ts.HashAlgorithm != crypto.SHA256 || !fp.EqualBytes(ts.HashedMessage) {
		metrics.RecordTSARequest("rejected", time.Since(start))
		return nil, &RejectedError{Reason: "response imprint does not match request"}
	}

	metrics.RecordTSARequest("granted", time.Since(start))
	return ts.RawToken, nil
}
