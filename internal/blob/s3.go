package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Store backs the blob surface with an S3-compatible bucket (AWS or
// MinIO). Single bucket, keys map to object keys directly. The payload hash
// travels as the "sha256" object metadata entry so Head can answer the
// signature binding without fetching the body.
type s3Store struct {
	client *s3.Client
	bucket string
	nowFn  func() time.Time
}

// S3Config holds explicit construction parameters, mostly for tests. For
// prod we rely primarily on environment variables.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string // optional, enables MinIO style endpoints
	PathStyle bool
}

// NewS3 creates an S3 blob store from S3Config.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &s3Store{
		client: client,
		bucket: cfg.Bucket,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// OpenS3FromEnv constructs an S3 store from process environment.
func OpenS3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("CROBRIDGE_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("blob: CROBRIDGE_BLOB_S3_BUCKET required for s3 driver")
	}
	return NewS3(ctx, S3Config{
		Bucket:    bucket,
		Region:    os.Getenv("CROBRIDGE_BLOB_S3_REGION"),
		Endpoint:  os.Getenv("CROBRIDGE_BLOB_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("CROBRIDGE_BLOB_S3_PATH_STYLE"), "true"),
	})
}

func (s *s3Store) Driver() Driver { return DriverS3 }

func s3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func (s *s3Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	// Payloads are document bodies and result archives, small enough to
	// buffer so the hash is known before upload.
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}
	// Emulate create-only via Head first.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return Object{}, &KeyExistsError{Key: key}
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	input := &s3.PutObjectInput{
		Bucket:   &s.bucket,
		Key:      &key,
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{"sha256": hash},
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return Object{}, err
	}
	return Object{
		Ref:         Ref(DriverS3, key),
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		SHA256:      hash,
		StoredAt:    s.nowFn(),
	}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if s3NotFound(err) {
			return Object{}, nil, ErrNotFound
		}
		return Object{}, nil, err
	}
	obj := s.fromResponse(key, out.ContentLength, out.ContentType, out.Metadata, out.LastModified)
	return obj, out.Body, nil
}

func (s *s3Store) Head(ctx context.Context, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if s3NotFound(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}
	return s.fromResponse(key, out.ContentLength, out.ContentType, out.Metadata, out.LastModified), nil
}

func (s *s3Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.Head(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, err
	}
	return true, nil
}

// List returns key-level metadata only; the content hash needs a Head on
// the individual object.
func (s *s3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, Object{
				Ref:      Ref(DriverS3, key),
				Key:      key,
				Size:     size,
				StoredAt: aws.ToTime(obj.LastModified),
			})
		}
		if page.IsTruncated != nil && *page.IsTruncated && page.NextContinuationToken != nil {
			token = page.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *s3Store) fromResponse(key string, contentLength *int64, contentType *string, md map[string]string, lastModified *time.Time) Object {
	obj := Object{
		Ref:      Ref(DriverS3, key),
		Key:      key,
		SHA256:   md["sha256"],
		StoredAt: s.nowFn(),
	}
	if contentLength != nil {
		obj.Size = *contentLength
	}
	if contentType != nil {
		obj.ContentType = *contentType
	}
	if lastModified != nil {
		obj.StoredAt = lastModified.UTC()
	}
	return obj
}
