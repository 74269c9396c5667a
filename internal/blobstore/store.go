// Package blobstore keeps small documents in an object store. Every write yields a version, and
// a write can be made conditional on the version the caller last read so that two writers racing
// on one document cannot silently overwrite each other.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	// DefaultMaxObjectBytes caps reads when Config.MaxObjectBytes is unset.
	DefaultMaxObjectBytes int64 = 4 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
	// ErrConflict is returned by a conditional Put whose precondition no longer holds.
	ErrConflict = errors.New("blobstore: version conflict")
)

type Store interface {
	Get(ctx context.Context, key string) (Object, error)
	// Put stores data under key and returns the new version.
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error)
	Delete(ctx context.Context, key string) error
}

// Object is one stored document. Version is opaque; for S3 it is the ETag.
type Object struct {
	Key         string
	Data        []byte
	Version     string
	ContentType string
	Labels      map[string]string
	Modified    time.Time
}

type PutOptions struct {
	ContentType string
	// Labels are stored as object metadata.
	Labels map[string]string

	// MatchVersion, when set, only writes if the stored object still has this version.
	MatchVersion string
	// CreateOnly only writes if no object exists under the key.
	CreateOnly bool
}

func (o PutOptions) validate() error {
	if o.CreateOnly && o.MatchVersion != "" {
		return fmt.Errorf("%w: CreateOnly and MatchVersion are exclusive", ErrInvalidConfig)
	}
	return nil
}

type Config struct {
	Driver string
	// Prefix is joined in front of every key, e.g. one prefix per terminal.
	Prefix string

	MaxObjectBytes int64

	Bucket   string
	S3Client S3Client
}

// S3Client is the subset of *s3.Client the store calls.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	switch driverOf(cfg.Driver) {
	case DriverMemory:
		return newMemoryStore(prefix), nil
	case DriverS3:
		return newS3Store(cfg, prefix)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Open is New that builds an S3 client from the default AWS credential chain when the s3
// driver has none.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if driverOf(cfg.Driver) == DriverS3 && cfg.S3Client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return New(cfg)
}

func driverOf(v string) string {
	if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
		return v
	}
	return DriverS3
}

// cleanKey rejects keys that would be ambiguous as object names and drops a leading slash.
func cleanKey(key string) (string, error) {
	switch {
	case key != strings.TrimSpace(key):
		return "", fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidKey, key)
	case strings.IndexFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0:
		return "", fmt.Errorf("%w: control character in key", ErrInvalidKey)
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return key, nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func cloneLabels(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
