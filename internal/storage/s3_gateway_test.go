package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockObjectAPI はobjectAPIのモック。
type mockObjectAPI struct {
	putFunc    func(ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	deleteFunc func(ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
}

func (m *mockObjectAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.putFunc(ctx, in)
}

func (m *mockObjectAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return m.deleteFunc(ctx, in)
}

func newTestGateway(api objectAPI, cfg Config) *S3Gateway {
	g := newS3Gateway(api, cfg)
	g.now = func() time.Time { return time.Date(2026, 4, 7, 12, 0, 0, 0, time.UTC) }
	g.newID = func() string { return "fixed-id" }
	return g
}

func TestS3Gateway_Store(t *testing.T) {
	var captured *s3.PutObjectInput
	var body []byte
	api := &mockObjectAPI{
		putFunc: func(_ context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			captured = in
			b, err := io.ReadAll(in.Body)
			require.NoError(t, err)
			body = b
			return &s3.PutObjectOutput{}, nil
		},
	}
	g := newTestGateway(api, Config{Bucket: "skin-scans", PublicBaseURL: "https://cdn.example.com/"})

	ref, err := g.Store(context.Background(), "u1", "image/jpeg", []byte("jpeg-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "scans/2026/4/7/fixed-id.jpg", ref.StorageID)
	assert.Equal(t, "https://cdn.example.com/scans/2026/4/7/fixed-id.jpg", ref.URL)
	require.NotNil(t, captured)
	assert.Equal(t, "skin-scans", aws.ToString(captured.Bucket))
	assert.Equal(t, "image/jpeg", aws.ToString(captured.ContentType))
	assert.Equal(t, int64(10), aws.ToInt64(captured.ContentLength))
	assert.Equal(t, "u1", captured.Metadata["owner-id"])
	assert.Equal(t, []byte("jpeg-bytes"), body)
}

func TestS3Gateway_Store_EmptyBody(t *testing.T) {
	g := newTestGateway(&mockObjectAPI{}, Config{Bucket: "b"})

	_, err := g.Store(context.Background(), "u1", "image/png", nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestS3Gateway_Store_PutError(t *testing.T) {
	api := &mockObjectAPI{
		putFunc: func(context.Context, *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, errors.New("service unavailable")
		},
	}
	g := newTestGateway(api, Config{Bucket: "b"})

	ref, err := g.Store(context.Background(), "u1", "image/png", []byte("x"))
	require.Error(t, err)
	assert.True(t, ref.IsZero())
}

func TestS3Gateway_Release(t *testing.T) {
	var deletedKey string
	api := &mockObjectAPI{
		deleteFunc: func(_ context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
			deletedKey = aws.ToString(in.Key)
			return &s3.DeleteObjectOutput{}, nil
		},
	}
	g := newTestGateway(api, Config{Bucket: "b"})

	require.NoError(t, g.Release(context.Background(), "scans/2026/4/7/x.png"))
	assert.Equal(t, "scans/2026/4/7/x.png", deletedKey)

	// 空のキーは何もしない
	deletedKey = ""
	require.NoError(t, g.Release(context.Background(), ""))
	assert.Empty(t, deletedKey)
}

func TestS3Gateway_Release_Error(t *testing.T) {
	api := &mockObjectAPI{
		deleteFunc: func(context.Context, *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
			return nil, errors.New("timeout")
		},
	}
	g := newTestGateway(api, Config{Bucket: "b"})

	assert.Error(t, g.Release(context.Background(), "k"))
}

func TestPublicBaseURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "公開URL指定", cfg: Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"}, want: "https://cdn.example.com"},
		{name: "互換エンドポイント", cfg: Config{Bucket: "b", Endpoint: "http://minio:9000"}, want: "http://minio:9000/b"},
		{name: "AWS既定", cfg: Config{Bucket: "b", Region: "ap-northeast-1"}, want: "https://b.s3.ap-northeast-1.amazonaws.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publicBaseURL(tt.cfg))
		})
	}
}

func TestNewS3Gateway_RequiresBucket(t *testing.T) {
	_, err := NewS3Gateway(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestNewS3Gateway_WithStaticCredentials(t *testing.T) {
	g, err := NewS3Gateway(context.Background(), Config{
		Bucket:    "b",
		Region:    "us-east-1",
		Endpoint:  "http://localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/b", g.baseURL)
}
