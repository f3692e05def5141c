package kv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3 adapter. Endpoint and UsePathStyle let it
// target MinIO or other S3-compatible object stores, not just AWS.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // optional: non-AWS S3-compatible endpoint
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3 is a Store backed by an S3-compatible bucket. Every key is an object
// key; prefixes map directly to spec.md's namespace layout.
type S3 struct {
	client *s3.Client
	bucket string
}

// OpenS3 configures and returns an S3-backed Store.
func OpenS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &Error{Class: ClassPermanent, Op: "s3.Open", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, &Error{Class: classifyS3(err), Op: "s3.Get", Err: err}
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, &Error{Class: ClassTransient, Op: "s3.Get", Err: err}
	}
	return data, true, nil
}

func (s *S3) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return &Error{Class: classifyS3(err), Op: "s3.Put", Err: err}
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &Error{Class: classifyS3(err), Op: "s3.Delete", Err: err}
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string, maxKeys int, cursor string) ([]string, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}
	if cursor != "" {
		input.StartAfter = aws.String(cursor)
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", &Error{Class: classifyS3(err), Op: "s3.List", Err: err}
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	next := ""
	if aws.ToBool(out.IsTruncated) && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func (s *S3) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return BatchBySizingPolicy(ctx, keys, s.Get, nil)
}

// classifyS3 maps an AWS SDK error to a retry Class so pkg/backpressure can
// pick the right delay schedule (spec.md §4.1).
func classifyS3(err error) Class {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "TooManyRequests"), strings.Contains(msg, "429"):
		return ClassThrottled
	case strings.Contains(msg, "RequestTimeout"), strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"):
		return ClassTransient
	default:
		return ClassPermanent
	}
}
