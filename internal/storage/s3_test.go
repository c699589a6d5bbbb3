package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/envelope-vault/internal/config"
)

type storedObject struct {
	body     []byte
	metadata map[string]string
}

// mockObjectAPI is an in-memory bucket honoring If-None-Match: *.
type mockObjectAPI struct {
	mu       sync.Mutex
	objects  map[string]storedObject
	pageSize int
	putErr   error
}

func newMockObjectAPI() *mockObjectAPI {
	return &mockObjectAPI{objects: make(map[string]storedObject), pageSize: 1000}
}

func (m *mockObjectAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return nil, m.putErr
	}
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := m.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	md := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		md[k] = v
	}
	m.objects[key] = storedObject{body: body, metadata: md}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockObjectAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (m *mockObjectAPI) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(in.ContinuationToken); token != "" {
		start = sort.SearchStrings(keys, token)
	}
	end := start + m.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3Backend_RoundTrip(t *testing.T) {
	mock := newMockObjectAPI()
	backend := newS3BackendWithClient(mock, "vault", "envelopes")
	ctx := context.Background()

	env := sampleEnvelope("report.pdf")
	require.NoError(t, backend.Upload(ctx, env))

	obj, ok := mock.objects["envelopes/report.pdf"]
	require.True(t, ok)
	assert.Equal(t, env.Ciphertext, obj.body)
	assert.NotEmpty(t, obj.metadata[metaWrappedKey])

	got, err := backend.Download(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestS3Backend_UploadConflict(t *testing.T) {
	backend := newS3BackendWithClient(newMockObjectAPI(), "vault", "")
	ctx := context.Background()

	require.NoError(t, backend.Upload(ctx, sampleEnvelope("a.txt")))
	err := backend.Upload(ctx, sampleEnvelope("a.txt"))

	se, ok := AsStatusError(err)
	require.True(t, ok, "expected StatusError, got %v", err)
	assert.Equal(t, CodeConflict, se.Code)
}

func TestS3Backend_DownloadNotFound(t *testing.T) {
	backend := newS3BackendWithClient(newMockObjectAPI(), "vault", "")

	_, err := backend.Download(context.Background(), "missing.txt")
	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.True(t, se.NotFound())
}

func TestS3Backend_AccessDenied(t *testing.T) {
	mock := newMockObjectAPI()
	mock.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
	backend := newS3BackendWithClient(mock, "vault", "")

	err := backend.Upload(context.Background(), sampleEnvelope("a.txt"))
	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.True(t, se.Denied())
}

func TestS3Backend_MetadataCaseInsensitive(t *testing.T) {
	mock := newMockObjectAPI()
	backend := newS3BackendWithClient(mock, "vault", "")
	ctx := context.Background()

	require.NoError(t, backend.Upload(ctx, sampleEnvelope("a.txt")))
	obj := mock.objects["a.txt"]
	obj.metadata = map[string]string{
		"X-Vault-Wrapped-Key": obj.metadata[metaWrappedKey],
		"X-Vault-Wrapped-Iv":  obj.metadata[metaWrappedIV],
	}
	mock.objects["a.txt"] = obj

	got, err := backend.Download(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped-iv"), got.WrappedIV)
}

func TestS3Backend_ListPaginates(t *testing.T) {
	mock := newMockObjectAPI()
	mock.pageSize = 2
	backend := newS3BackendWithClient(mock, "vault", "envelopes/")
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		require.NoError(t, backend.Upload(ctx, sampleEnvelope(name)))
	}
	mock.objects["other/x.txt"] = storedObject{body: []byte("x")}

	files, err := backend.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"}, files)
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	_, err := NewS3Backend(context.Background(), s3ConfigForTest(""))
	assert.Error(t, err)
}

func s3ConfigForTest(bucket string) config.S3BackendConfig {
	return config.S3BackendConfig{Bucket: bucket, Region: "us-east-1"}
}
