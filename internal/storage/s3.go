package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/pkg/types"
)

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// presignAPI is the subset of *s3.PresignClient used by S3Store.
type presignAPI interface {
	PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store implements ObjectStore for S3-compatible services (AWS S3,
// Cloudflare R2, MinIO).
type S3Store struct {
	client     s3API
	presigner  presignAPI
	bucket     string
	maxRetries int
	retryBase  time.Duration
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Bucket is the bucket holding all incident objects.
	Bucket string
	// Region is the AWS region ("auto" for R2).
	Region string
	// Endpoint is an optional custom endpoint (R2, MinIO, LocalStack).
	Endpoint string
	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
}

// NewS3Store creates a new S3 store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3StoreWithClient(client, cfg.Bucket), nil
}

// NewS3StoreWithClient creates a new S3 store with a pre-configured client.
func NewS3StoreWithClient(client *s3.Client, bucket string) *S3Store {
	return newS3Store(client, s3.NewPresignClient(client), bucket)
}

func newS3Store(client s3API, presigner presignAPI, bucket string) *S3Store {
	return &S3Store{
		client:     client,
		presigner:  presigner,
		bucket:     bucket,
		maxRetries: 3,
		retryBase:  100 * time.Millisecond,
	}
}

// CreateMultipartUpload opens a multipart upload.
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return "", classifyS3Error("create multipart upload", key, err)
	}

	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "create multipart upload returned no upload id", nil)
	}
	return uploadID, nil
}

// PresignUploadPart signs an UploadPart request locally.
func (s *S3Store) PresignUploadPart(ctx context.Context, uploadID, key string, partNumber int32, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "presign upload part", err)
	}
	return req.URL, nil
}

// CompleteMultipartUpload assembles the uploaded parts. Not retried: a
// second attempt after a lost response would report NoSuchUpload.
func (s *S3Store) CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []types.CompletedPart) error {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return classifyS3Error("complete multipart upload", key, err)
	}
	return nil
}

// AbortMultipartUpload discards an upload; NoSuchUpload counts as success.
func (s *S3Store) AbortMultipartUpload(ctx context.Context, uploadID, key string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			return classifyS3Error("abort multipart upload", key, err)
		}
		return nil
	})
	if errors.Is(err, ErrUploadNotFound) {
		return nil
	}
	return err
}

// PutObject writes a whole object.
func (s *S3Store) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	return s.retryWithBackoff(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return classifyS3Error("put object", key, err)
		}
		return nil
	})
}

// GetObject reads an object.
func (s *S3Store) GetObject(ctx context.Context, key string) (*Object, error) {
	var out *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		out, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if getErr != nil {
			return classifyS3Error("get object", key, getErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Object{
		Body:        out.Body,
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

// ConditionalPut writes with If-Match, or If-None-Match "*" when etag is empty.
func (s *S3Store) ConditionalPut(ctx context.Context, key string, body []byte, contentType, etag string) (string, error) {
	var newETag string
	err := s.retryWithBackoff(ctx, func() error {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String(contentType),
		}
		if etag != "" {
			input.IfMatch = aws.String(etag)
		} else {
			input.IfNoneMatch = aws.String("*")
		}

		out, err := s.client.PutObject(ctx, input)
		if err != nil {
			return classifyS3Error("conditional put", key, err)
		}
		newETag = aws.ToString(out.ETag)
		return nil
	})
	return newETag, err
}

// DeleteObject removes an object. S3 deletes are idempotent.
func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classifyS3Error("delete object", key, err)
		}
		return nil
	})
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}

// ListObjects returns all object keys under the given prefix.
func (s *S3Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list objects", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

// PresignGetObject signs a GetObject request locally.
func (s *S3Store) PresignGetObject(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", ierrors.NewStorageError(ierrors.CodeStoreUnavailable, "presign get object", err)
	}
	return req.URL, nil
}

// retryWithBackoff executes the operation with exponential backoff retry.
// Only STORE_UNAVAILABLE failures are retried.
func (s *S3Store) retryWithBackoff(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := operation()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"backoff": wait,
		}).Debug("retrying object store call")
	}
	return backoff.RetryNotify(op, policy, notify)
}

// classifyS3Error maps SDK errors onto the storage error taxonomy.
func classifyS3Error(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := fmt.Sprintf("%s %q", op, key)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload":
			return ierrors.NewStorageError(ierrors.CodeUploadNotFound, msg, err)
		case "NoSuchKey", "NotFound":
			return ierrors.NewStorageError(ierrors.CodeObjectNotFound, msg, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return ierrors.NewStorageError(ierrors.CodePreconditionFailed, msg, err)
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			return ierrors.NewStorageError(ierrors.CodeIncompletePartSet, msg, err)
		case "KeyTooLongError", "InvalidArgument":
			return ierrors.Wrap(ierrors.ErrCategoryValidation, ierrors.CodeInvalidKey, msg, err)
		}
	}

	if status, ok := httpStatusCode(err); ok {
		switch status {
		case http.StatusNotFound:
			return ierrors.NewStorageError(ierrors.CodeObjectNotFound, msg, err)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return ierrors.NewStorageError(ierrors.CodePreconditionFailed, msg, err)
		}
	}

	return ierrors.NewStorageError(ierrors.CodeStoreUnavailable, msg, err)
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}
