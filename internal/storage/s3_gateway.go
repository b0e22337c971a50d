// Package storage はスキャン画像の保存先（S3互換オブジェクトストレージ）へのゲートウェイを提供する。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/hitoshi/skinscan/internal/model"
)

// ErrEmptyImage は空の画像が渡された場合のエラー。
var ErrEmptyImage = errors.New("image body is empty")

// Config はS3ゲートウェイの設定。
type Config struct {
	Bucket        string
	Region        string
	Endpoint      string // MinIO等のS3互換エンドポイント。空の場合はAWS既定
	AccessKey     string
	SecretKey     string
	PublicBaseURL string // 画像URLの生成に使う公開ベースURL
}

// objectAPI はゲートウェイが使用するS3操作。テストで差し替える。
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Gateway は画像をS3互換ストレージに保存・解放する。
type S3Gateway struct {
	client  objectAPI
	bucket  string
	baseURL string
	now     func() time.Time
	newID   func() string
}

// NewS3Gateway は設定からS3クライアントを構築してS3Gatewayを生成する。
// アクセスキーが指定された場合は静的クレデンシャルを使用し、未指定の場合はAWS既定の解決順に従う。
func NewS3Gateway(ctx context.Context, cfg Config) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
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
			o.UsePathStyle = true
		}
	})

	return newS3Gateway(client, cfg), nil
}

func newS3Gateway(client objectAPI, cfg Config) *S3Gateway {
	return &S3Gateway{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: publicBaseURL(cfg),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// publicBaseURL は画像URLの接頭辞を決定する。
func publicBaseURL(cfg Config) string {
	switch {
	case cfg.PublicBaseURL != "":
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
}

// Store は画像を保存し、その参照を返す。
func (g *S3Gateway) Store(ctx context.Context, ownerID, contentType string, data []byte) (model.ImageRef, error) {
	if len(data) == 0 {
		return model.ImageRef{}, ErrEmptyImage
	}

	key := g.storageKey(contentType)
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"owner-id": ownerID},
	})
	if err != nil {
		return model.ImageRef{}, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return model.ImageRef{
		URL:       g.baseURL + "/" + key,
		StorageID: key,
	}, nil
}

// Release は保存済み画像を削除する。存在しないキーの削除はS3の仕様上成功として扱われる。
func (g *S3Gateway) Release(ctx context.Context, storageID string) error {
	if storageID == "" {
		return nil
	}
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(storageID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", storageID, err)
	}
	return nil
}

// storageKey は日付で分割したランダムなオブジェクトキーを生成する。
func (g *S3Gateway) storageKey(contentType string) string {
	d := g.now().UTC()
	key := fmt.Sprintf("scans/%d/%d/%d/%s", d.Year(), d.Month(), d.Day(), g.newID())
	if mt := mimetype.Lookup(contentType); mt != nil {
		key += mt.Extension()
	}
	return key
}
