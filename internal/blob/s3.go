package blob

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"docsearch/internal/errors"
)

// S3Config configures the S3-compatible blob store.
type S3Config struct {
	// Endpoint overrides the AWS endpoint, e.g. http://localhost:9000 for
	// MinIO. Empty uses the default AWS resolution.
	Endpoint string

	// Region is the bucket region.
	Region string

	// Bucket is the bucket holding document payloads.
	Bucket string

	// AccessKeyID and SecretAccessKey are static credentials. When both
	// are empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing, required by MinIO.
	UsePathStyle bool
}

// S3Store implements Store on S3-compatible object storage.
type S3Store struct {
	client *s3.Client
	bucket string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds an S3 client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket, tolerating the already-exists responses
// so concurrent starts do not race.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if stderrors.As(err, &owned) || stderrors.As(err, &exists) {
			return nil
		}
		return errors.Wrap(errors.CodeBlobStore, errors.KindExternal,
			fmt.Sprintf("create bucket %s", s.bucket), err)
	}
	slog.Info("bucket_created", slog.String("bucket", s.bucket))
	return nil
}

// Put writes content under key.
func (s *S3Store) Put(ctx context.Context, key string, content []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return errors.Wrap(errors.CodeBlobStore, errors.KindExternal,
			fmt.Sprintf("put object %s", key), err)
	}
	return nil
}

// Get reads the content stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if stderrors.As(err, &notFound) {
			return nil, errors.New(errors.CodeNotFound, errors.KindNotFound,
				fmt.Sprintf("object %s not found", key))
		}
		return nil, errors.Wrap(errors.CodeBlobStore, errors.KindExternal,
			fmt.Sprintf("get object %s", key), err)
	}
	defer func() { _ = out.Body.Close() }()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(errors.CodeBlobStore, errors.KindExternal,
			fmt.Sprintf("read object %s", key), err)
	}
	return content, nil
}
