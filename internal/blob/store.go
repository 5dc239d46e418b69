// Package blob stores raw evidence bytes behind content-addressed locators.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/alibi-app/alibi/internal/fingerprint"
)

var (
	// ErrNotFound is returned when no blob exists for a locator.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidLocator is returned for locators this package did not issue.
	ErrInvalidLocator = errors.New("invalid blob locator")
)

const locatorPrefix = "sha256/"

// Locator is an opaque reference to stored bytes. Identical content yields
// the same locator, so several records may share one blob.
type Locator string

// LocatorFor returns the locator under which content with fp is stored.
func LocatorFor(fp fingerprint.Fingerprint) Locator {
	return Locator(locatorPrefix + fp.Hex())
}

// Fingerprint extracts the content digest encoded in the locator.
func (l Locator) Fingerprint() (fingerprint.Fingerprint, error) {
	s := string(l)
	if !strings.HasPrefix(s, locatorPrefix) {
		return fingerprint.Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	fp, err := fingerprint.Parse(strings.TrimPrefix(s, locatorPrefix))
	if err != nil {
		return fingerprint.Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	return fp, nil
}

func (l Locator) String() string {
	return string(l)
}

// key is the backend-relative object name, validated so it can never
// escape the store root.
func (l Locator) key() (string, error) {
	fp, err := l.Fingerprint()
	if err != nil {
		return "", err
	}
	return fp.Hex(), nil
}

// Store persists opaque byte payloads.
type Store interface {
	// Put stores data and returns its locator. Storing the same bytes twice
	// is not an error.
	Put(ctx context.Context, data []byte) (Locator, error)
	// Get returns the bytes for a locator or ErrNotFound.
	Get(ctx context.Context, loc Locator) ([]byte, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, loc Locator) error
	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool
	// Name identifies the backend in logs.
	Name() string
}

// Options carries settings that cannot be expressed in a storage URI.
type Options struct {
	S3AccessKey string
	S3SecretKey string
}

// Open creates a store from a location URI.
//
// Supported schemes:
//   - file:///var/lib/alibi/uploads - local directory
//   - s3://bucket/prefix?region=eu-central-1&endpoint=http://minio:9000 - S3 or compatible
//   - mem:// - process memory, for development and tests
func Open(uri string, opts Options, log *slog.Logger) (Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid storage uri: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + u.Path
		}
		if dir == "" {
			return nil, fmt.Errorf("file storage uri needs a path")
		}
		return NewFileStore(dir, log)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 storage uri needs a bucket")
		}
		query := u.Query()
		region := query.Get("region")
		if region == "" {
			region = "us-east-1"
		}
		accessKey, secretKey := opts.S3AccessKey, opts.S3SecretKey
		if u.User != nil {
			accessKey = u.User.Username()
			secretKey, _ = u.User.Password()
		}
		return NewS3Store(S3Config{
			Bucket:         u.Host,
			Prefix:         strings.TrimPrefix(u.Path, "/"),
			Region:         region,
			Endpoint:       query.Get("endpoint"),
			AccessKey:      accessKey,
			SecretKey:      secretKey,
			ForcePathStyle: query.Get("path_style") != "false",
		}, log)
	case "mem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", u.Scheme)
	}
}
