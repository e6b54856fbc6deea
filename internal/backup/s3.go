package backup

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/org/wirebot/internal/crypto"
)

// SealedSuffix is appended to the object key of encrypted mirror copies.
const SealedSuffix = ".enc"

// S3Config points the mirror at an S3 compatible bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// EncryptionKey, when set, seals every copy before upload.
	EncryptionKey string `yaml:"encryption_key"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// S3Mirror uploads archives to a bucket.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	kek    []byte
}

// NewS3Mirror builds a mirror. Static credentials are used when given,
// otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	var kek []byte
	if cfg.EncryptionKey != "" {
		var err error
		if kek, err = crypto.DeriveKEK([]byte(cfg.EncryptionKey), crypto.MirrorContext); err != nil {
			return nil, err
		}
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, kek: kek}, nil
}

// Key returns the object key for an archive.
func (m *S3Mirror) Key(name string) string {
	if m.kek != nil {
		name += SealedSuffix
	}
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// object returns the body and content type to upload for an archive.
func (m *S3Mirror) object(name string, data []byte) ([]byte, string, error) {
	if m.kek == nil {
		return data, "application/gzip", nil
	}
	sealed, err := crypto.Seal(data, m.kek, name)
	if err != nil {
		return nil, "", err
	}
	return sealed, "application/octet-stream", nil
}

// Upload stores one archive.
func (m *S3Mirror) Upload(ctx context.Context, name string, data []byte) error {
	body, contentType, err := m.object(name, data)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", name, err)
	}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(m.Key(name)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s: %w", name, m.bucket, err)
	}
	return nil
}
