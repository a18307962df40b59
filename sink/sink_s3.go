package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes objects with PutObject under an optional key prefix.
type S3 struct {
	client s3API

	bucket    string
	bucketPtr *string
	prefix    string
}

func NewS3(client s3API, bucket, prefix string) *S3 {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	s.bucketPtr = &s.bucket
	return s
}

// Key returns the full object key for key. Keys are not path-cleaned.
func (s *S3) Key(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

func (s *S3) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return ErrEmptyKey
	}
	key := s.Key(req.Key)
	cl := int64(len(req.Data))

	var body bytes.Reader
	body.Reset(req.Data)

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &key,
		Body:          &body,
		ContentLength: &cl,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}
	if len(req.Metadata) > 0 {
		input.Metadata = req.Metadata
	}

	if _, err := s.client.PutObject(ctx, &input); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}
