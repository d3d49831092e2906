package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var errMissingBucket = errors.New("blobstore: s3 bucket is required")

// S3Config describes an S3-compatible bucket such as AWS S3, Cloudflare R2 or MinIO.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client
}

// S3 keeps blobs as objects in a single bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds a path-style client with static credentials.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsConfig := aws.Config{
		Region: region,
	}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		awsConfig.Credentials = aws.AnonymousCredentials{}
	}
	if cfg.HTTPClient != nil {
		awsConfig.HTTPClient = cfg.HTTPClient
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads body under key. Non-seekable bodies are buffered so the request can be signed.
func (s *S3) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) (int64, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return 0, err
	}
	payload, size, err := seekableBody(body)
	if err != nil {
		return 0, fmt.Errorf("buffer blob: %w", err)
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleaned),
		Body:          payload,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("put object %s: %w", cleaned, err)
	}
	return size, nil
}

// Open streams the object stored under key.
func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cleaned)
		}
		return nil, fmt.Errorf("get object %s: %w", cleaned, err)
	}
	return output.Body, nil
}

// Delete removes the object stored under key. A missing object is not an error.
func (s *S3) Delete(ctx context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(cleaned),
	})
	if err != nil && !isMissingObject(err) {
		return fmt.Errorf("delete object %s: %w", cleaned, err)
	}
	return nil
}

func isMissingObject(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func seekableBody(body io.Reader) (io.ReadSeeker, int64, error) {
	if seeker, ok := body.(io.ReadSeeker); ok {
		current, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, err
		}
		end, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, err
		}
		if _, err := seeker.Seek(current, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return seeker, end - current, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}
