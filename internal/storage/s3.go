package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/envelope-vault/internal/config"
	"github.com/kenneth/envelope-vault/internal/crypto"
)

// Object metadata keys holding the wrapped key material. The object body is
// the raw ciphertext.
const (
	metaWrappedKey = "x-vault-wrapped-key"
	metaWrappedIV  = "x-vault-wrapped-iv"
)

// objectAPI is the subset of the S3 client the backend uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Backend stores envelopes as objects in an S3-compatible bucket.
type S3Backend struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Backend creates a backend from the S3 storage configuration.
func NewS3Backend(ctx context.Context, cfg config.S3BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3BackendWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3BackendWithClient(client objectAPI, bucket, prefix string) *S3Backend {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

// Name implements Backend.
func (b *S3Backend) Name() string {
	return config.StorageBackendS3
}

func (b *S3Backend) key(fileName string) string {
	return b.prefix + fileName
}

// Upload implements Backend. Existing objects are never overwritten.
func (b *S3Backend) Upload(ctx context.Context, env *crypto.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	key := b.key(env.FileName)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(env.Ciphertext),
		ContentLength: aws.Int64(int64(len(env.Ciphertext))),
		ContentType:   aws.String("application/octet-stream"),
		IfNoneMatch:   aws.String("*"),
		Metadata: map[string]string{
			metaWrappedKey: crypto.EncodeField(env.WrappedKey),
			metaWrappedIV:  crypto.EncodeField(env.WrappedIV),
		},
	})
	if err != nil {
		return translateS3Error(pathUpload, fmt.Errorf("failed to put object %s/%s: %w", b.bucket, key, err))
	}
	return nil
}

// Download implements Backend.
func (b *S3Backend) Download(ctx context.Context, fileName string) (*crypto.Envelope, error) {
	if fileName == "" {
		return nil, errors.New("storage: file name is required")
	}
	key := b.key(fileName)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error(pathDownload, fmt.Errorf("failed to get object %s/%s: %w", b.bucket, key, err))
	}
	defer out.Body.Close()

	ciphertext, err := io.ReadAll(io.LimitReader(out.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", b.bucket, key, err)
	}

	wrappedKey, err := crypto.DecodeField(metaWrappedKey, lookupMetadata(out.Metadata, metaWrappedKey))
	if err != nil {
		return nil, err
	}
	wrappedIV, err := crypto.DecodeField(metaWrappedIV, lookupMetadata(out.Metadata, metaWrappedIV))
	if err != nil {
		return nil, err
	}

	return &crypto.Envelope{
		FileName:   fileName,
		Ciphertext: ciphertext,
		WrappedKey: wrappedKey,
		WrappedIV:  wrappedIV,
	}, nil
}

// List implements Backend.
func (b *S3Backend) List(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix)
	}

	files := []string{}
	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateS3Error(pathListFiles, fmt.Errorf("failed to list objects in %s: %w", b.bucket, err))
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if name != "" {
				files = append(files, name)
			}
		}
	}
	return files, nil
}

// lookupMetadata finds a metadata value regardless of the casing the
// provider returned it in.
func lookupMetadata(md map[string]string, key string) string {
	if v, ok := md[key]; ok {
		return v
	}
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// translateS3Error maps S3 API errors onto the storage service's code space so
// callers classify both backends the same way.
func translateS3Error(operation string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return &StatusError{Operation: operation, Code: http.StatusNotFound, Message: "file_not_found"}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return &StatusError{Operation: operation, Code: http.StatusNotFound, Message: "file_not_found"}
	case "AccessDenied", "Forbidden":
		return &StatusError{Operation: operation, Code: http.StatusForbidden, Message: apiErr.ErrorMessage()}
	case "PreconditionFailed", "ConditionalRequestConflict":
		return &StatusError{Operation: operation, Code: CodeConflict, Message: "file_exists"}
	case "NoSuchBucket":
		return &StatusError{Operation: operation, Code: http.StatusBadGateway, Message: apiErr.ErrorMessage()}
	case "InternalError", "ServiceUnavailable", "SlowDown":
		return &StatusError{Operation: operation, Code: http.StatusServiceUnavailable, Message: apiErr.ErrorMessage()}
	}
	return err
}
