package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type s3Store struct {
	client   S3Client
	bucket   string
	prefix   string
	maxBytes int64
}

func newS3Store(cfg Config, prefix string) (*s3Store, error) {
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	maxBytes := cfg.MaxObjectBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &s3Store{client: cfg.S3Client, bucket: bucket, prefix: prefix, maxBytes: maxBytes}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		if apiCode(err) == codeNotFound {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	// One extra byte tells an object at the limit apart from one over it.
	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %s: %w", key, err)
	}
	if int64(len(data)) > s.maxBytes {
		return Object{}, fmt.Errorf("%w: %s is over %d bytes", ErrTooLarge, key, s.maxBytes)
	}

	return Object{
		Key:         key,
		Data:        data,
		Version:     aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Labels:      cloneLabels(out.Metadata),
		Modified:    aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := opts.validate(); err != nil {
		return "", err
	}

	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(joinKey(s.prefix, key)),
		Body:     bytes.NewReader(data),
		Metadata: cloneLabels(opts.Labels),
	}
	if ct := strings.TrimSpace(opts.ContentType); ct != "" {
		in.ContentType = aws.String(ct)
	}
	switch {
	case opts.CreateOnly:
		in.IfNoneMatch = aws.String("*")
	case opts.MatchVersion != "":
		in.IfMatch = aws.String(opts.MatchVersion)
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		if code := apiCode(err); code == codePrecondition || code == codeConflict {
			return "", fmt.Errorf("%w: %s: %v", ErrConflict, key, err)
		}
		return "", fmt.Errorf("blobstore/s3: put %s: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil && apiCode(err) != codeNotFound {
		return fmt.Errorf("blobstore/s3: delete %s: %w", key, err)
	}
	return nil
}

type errorCode int

const (
	codeOther errorCode = iota
	codeNotFound
	codePrecondition
	codeConflict
)

func apiCode(err error) errorCode {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return codeOther
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return codeNotFound
	case "PreconditionFailed", "412":
		return codePrecondition
	// S3 reports a concurrent conditional write on the same key as a 409.
	case "ConditionalRequestConflict", "409":
		return codeConflict
	default:
		return codeOther
	}
}
