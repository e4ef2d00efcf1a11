// Package media stores answer option images in S3-compatible object storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxImageBytes bounds a single option image upload.
const MaxImageBytes = 5 << 20

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrEmpty           = errors.New("image is empty")
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string
}

type Store struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

func New(cfg Config) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	publicBase := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = strings.TrimRight(client.EndpointURL().String(), "/")
	}
	return &Store{client: client, bucket: cfg.Bucket, publicBase: publicBase}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutOptionImage uploads an image for an option and returns its public URL.
// Every upload gets a fresh object name so cached copies of a replaced image
// are never served for the new one.
func (s *Store) PutOptionImage(ctx context.Context, optionID, contentType string, body io.Reader, size int64) (string, error) {
	if err := ValidateImage(contentType, size); err != nil {
		return "", err
	}
	object := ObjectName(optionID, contentType)
	_, err := s.client.PutObject(ctx, s.bucket, object, body, size, minio.PutObjectOptions{
		ContentType: NormalizeContentType(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	return PublicURL(s.publicBase, s.bucket, object), nil
}

func NormalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func ValidateImage(contentType string, size int64) error {
	if _, ok := extensions[NormalizeContentType(contentType)]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	if size <= 0 {
		return ErrEmpty
	}
	if size > MaxImageBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	return nil
}

func ObjectName(optionID, contentType string) string {
	return "options/" + optionID + "/" + uuid.NewString() + extensions[NormalizeContentType(contentType)]
}

func PublicURL(base, bucket, object string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + object
}
