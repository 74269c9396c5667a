package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]Config{
		"unknown driver": {Driver: "gcs"},
		"s3 no bucket":   {Driver: DriverS3, S3Client: &fakeS3{}},
		"s3 no client":   {Driver: DriverS3, Bucket: "pos-history"},
	} {
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: got %v want ErrInvalidConfig", name, err)
		}
	}
	if _, err := New(Config{Bucket: "pos-history", S3Client: &fakeS3{}}); err != nil {
		t.Fatalf("empty driver should mean s3: %v", err)
	}
}

func TestMemory_VersionsAndConditions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := New(Config{Driver: DriverMemory, Prefix: "/terminal-7/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v1, err := st.Put(ctx, "history.json", []byte("[]"), PutOptions{
		ContentType: "application/json",
		Labels:      map[string]string{" entries ": " 0 ", "": "dropped"},
		CreateOnly:  true,
	})
	if err != nil {
		t.Fatalf("Put create: %v", err)
	}
	if _, err := st.Put(ctx, "history.json", []byte("[1]"), PutOptions{CreateOnly: true}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second create: got %v want ErrConflict", err)
	}

	obj, err := st.Get(ctx, "/history.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Version != v1 || string(obj.Data) != "[]" || obj.ContentType != "application/json" {
		t.Fatalf("object: got %+v", obj)
	}
	if len(obj.Labels) != 1 || obj.Labels["entries"] != "0" {
		t.Fatalf("labels: got %v", obj.Labels)
	}
	obj.Data[0] = 'x'
	if again, _ := st.Get(ctx, "history.json"); string(again.Data) != "[]" {
		t.Fatalf("Get must return a copy, stored data is now %q", again.Data)
	}

	v2, err := st.Put(ctx, "history.json", []byte("[2]"), PutOptions{MatchVersion: v1})
	if err != nil {
		t.Fatalf("Put match: %v", err)
	}
	if v2 == v1 {
		t.Fatalf("version did not change: %s", v2)
	}
	if _, err := st.Put(ctx, "history.json", []byte("[3]"), PutOptions{MatchVersion: v1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale match: got %v want ErrConflict", err)
	}

	if err := st.Delete(ctx, "history.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(ctx, "history.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: got %v want ErrNotFound", err)
	}
	if _, err := st.Put(ctx, "history.json", nil, PutOptions{MatchVersion: v2}); !errors.Is(err, ErrConflict) {
		t.Fatalf("match on deleted object: got %v want ErrConflict", err)
	}
	v3, err := st.Put(ctx, "history.json", nil, PutOptions{})
	if err != nil {
		t.Fatalf("unconditional Put: %v", err)
	}
	if v3 == v1 || v3 == v2 {
		t.Fatalf("version reused after delete: %s", v3)
	}
}

func TestPut_RejectsCreateOnlyWithMatch(t *testing.T) {
	t.Parallel()

	st, _ := New(Config{Driver: DriverMemory})
	_, err := st.Put(context.Background(), "k", nil, PutOptions{CreateOnly: true, MatchVersion: "1"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
}

func TestCleanKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "/", " history.json", "history.json\n", "a\x00b"} {
		if _, err := cleanKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("cleanKey(%q): got %v want ErrInvalidKey", key, err)
		}
	}
	if got, err := cleanKey("//a/b.json"); err != nil || got != "a/b.json" {
		t.Fatalf("cleanKey: got %q, %v", got, err)
	}
}

func TestS3_PutSetsPreconditions(t *testing.T) {
	t.Parallel()

	var seen []*s3.PutObjectInput
	fake := &fakeS3{
		put: func(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			seen = append(seen, in)
			return &s3.PutObjectOutput{ETag: aws.String(`"etag-2"`)}, nil
		},
	}
	st, err := New(Config{Bucket: "pos-history", Prefix: "terminal-7", S3Client: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for _, opts := range []PutOptions{
		{CreateOnly: true, ContentType: "application/json"},
		{MatchVersion: `"etag-1"`},
		{},
	} {
		v, err := st.Put(ctx, "history.json", []byte("[]"), opts)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if v != `"etag-2"` {
			t.Fatalf("version: got %s", v)
		}
	}

	if len(seen) != 3 {
		t.Fatalf("puts: got %d want 3", len(seen))
	}
	if aws.ToString(seen[0].Key) != "terminal-7/history.json" || aws.ToString(seen[0].Bucket) != "pos-history" {
		t.Fatalf("target: got %s/%s", aws.ToString(seen[0].Bucket), aws.ToString(seen[0].Key))
	}
	if aws.ToString(seen[0].IfNoneMatch) != "*" || seen[0].IfMatch != nil {
		t.Fatalf("create-only preconditions: %v %v", seen[0].IfNoneMatch, seen[0].IfMatch)
	}
	if aws.ToString(seen[0].ContentType) != "application/json" {
		t.Fatalf("content type: got %s", aws.ToString(seen[0].ContentType))
	}
	if aws.ToString(seen[1].IfMatch) != `"etag-1"` || seen[1].IfNoneMatch != nil {
		t.Fatalf("match preconditions: %v %v", seen[1].IfMatch, seen[1].IfNoneMatch)
	}
	if seen[2].IfMatch != nil || seen[2].IfNoneMatch != nil {
		t.Fatalf("unconditional put carried a precondition")
	}
}

func TestS3_ErrorMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for code, want := range map[string]error{
		"PreconditionFailed":         ErrConflict,
		"ConditionalRequestConflict": ErrConflict,
	} {
		code := code
		fake := &fakeS3{put: func(*s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: code}
		}}
		st, _ := New(Config{Bucket: "b", S3Client: fake})
		if _, err := st.Put(ctx, "k", nil, PutOptions{MatchVersion: "v"}); !errors.Is(err, want) {
			t.Fatalf("%s: got %v want %v", code, err, want)
		}
	}

	missing := &fakeS3{
		get: func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "NoSuchKey"}
		},
		del: func(*s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "NotFound"}
		},
	}
	st, _ := New(Config{Bucket: "b", S3Client: missing})
	if _, err := st.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: got %v want ErrNotFound", err)
	}
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete of missing object: %v", err)
	}

	boom := errors.New("boom")
	broken := &fakeS3{get: func(*s3.GetObjectInput) (*s3.GetObjectOutput, error) { return nil, boom }}
	st, _ = New(Config{Bucket: "b", S3Client: broken})
	if _, err := st.Get(ctx, "k"); !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: got %v want wrapped boom", err)
	}
}

func TestS3_GetReadsVersionAndEnforcesLimit(t *testing.T) {
	t.Parallel()

	modified := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	body := "[]"
	fake := &fakeS3{get: func(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		if aws.ToString(in.Key) != "history.json" {
			t.Errorf("key: got %s", aws.ToString(in.Key))
		}
		return &s3.GetObjectOutput{
			Body:         io.NopCloser(strings.NewReader(body)),
			ETag:         aws.String(`"etag-9"`),
			ContentType:  aws.String("application/json"),
			Metadata:     map[string]string{"entries": "0"},
			LastModified: aws.Time(modified),
		}, nil
	}}

	st, err := New(Config{Bucket: "b", S3Client: fake, MaxObjectBytes: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	obj, err := st.Get(context.Background(), "history.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Version != `"etag-9"` || !bytes.Equal(obj.Data, []byte("[]")) || !obj.Modified.Equal(modified) {
		t.Fatalf("object: got %+v", obj)
	}
	if obj.Labels["entries"] != "0" {
		t.Fatalf("labels: got %v", obj.Labels)
	}

	body = "[1,2]"
	if _, err := st.Get(context.Background(), "history.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversize Get: got %v want ErrTooLarge", err)
	}
}

type fakeS3 struct {
	get func(*s3.GetObjectInput) (*s3.GetObjectOutput, error)
	put func(*s3.PutObjectInput) (*s3.PutObjectOutput, error)
	del func(*s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.get == nil {
		return nil, errors.New("unexpected GetObject")
	}
	return f.get(in)
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.put == nil {
		return nil, errors.New("unexpected PutObject")
	}
	return f.put(in)
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.del == nil {
		return nil, errors.New("unexpected DeleteObject")
	}
	return f.del(in)
}
