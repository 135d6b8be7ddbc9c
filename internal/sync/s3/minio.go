// Package s3 uploads queued attachments (x-rays, consent forms, intake
// scans) to S3-compatible object storage before their mutation is submitted.
package s3

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
)

// MinIOConfig holds object storage configuration.
type MinIOConfig struct {
	Endpoint   string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Region     string
}

// Uploader makes attachments available in object storage.
type Uploader interface {
	Upload(ctx context.Context, att models.Attachment) error
}

// objectAPI is the part of *minio.Client the uploader needs.
type objectAPI interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// MinIOUploader uploads attachments with minio-go. Uploads are idempotent:
// an object that already exists under the attachment key is left alone, so
// a redelivered action does not upload twice.
type MinIOUploader struct {
	client objectAPI
	bucket string
}

// NewMinIOUploader creates an uploader for config.
func NewMinIOUploader(config *MinIOConfig) (*MinIOUploader, error) {
	if config.BucketName == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "object storage bucket is required")
	}
	host, secure, err := ParseMinIOEndpoint(config.Endpoint, config.UseSSL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "parse object storage endpoint", err)
	}

	region := config.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "create object storage client", err)
	}
	return &MinIOUploader{client: client, bucket: config.BucketName}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (u *MinIOUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return classify("check bucket "+u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return classify("create bucket "+u.bucket, err)
	}
	logging.Info("s3: created bucket", map[string]interface{}{"bucket": u.bucket})
	return nil
}

// Upload implements Uploader.
func (u *MinIOUploader) Upload(ctx context.Context, att models.Attachment) error {
	_, err := u.client.StatObject(ctx, u.bucket, att.Key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return classify("stat "+att.Key, err)
	}

	if att.LocalPath == "" {
		return apperrors.Newf(apperrors.ErrValidationRejected, "attachment %s is not uploaded and has no local file", att.Key)
	}
	if _, err := os.Stat(att.LocalPath); err != nil {
		return apperrors.Wrap(apperrors.ErrValidationRejected, "attachment "+att.Key+" local file is unreadable", err)
	}

	info, err := u.client.FPutObject(ctx, u.bucket, att.Key, att.LocalPath, minio.PutObjectOptions{
		ContentType: att.ContentType,
	})
	if err != nil {
		return classify("upload "+att.Key, err)
	}

	logging.Debug("s3: uploaded attachment", map[string]interface{}{
		"key":  att.Key,
		"size": info.Size,
	})
	return nil
}

// UploadAll uploads every attachment of payload, stopping at the first failure.
func UploadAll(ctx context.Context, u Uploader, payload models.Payload) error {
	carrier, ok := payload.(models.AttachmentCarrier)
	if !ok || u == nil {
		return nil
	}
	for _, att := range carrier.Attachments() {
		if err := u.Upload(ctx, att); err != nil {
			return err
		}
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func classify(op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, op, err)
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.Code == "EntityTooLarge", resp.Code == "InvalidArgument":
		return apperrors.Wrap(apperrors.ErrValidationRejected, op, err)
	default:
		return apperrors.Wrap(apperrors.ErrTransientNetwork, op, err)
	}
}

// ParseMinIOEndpoint normalizes an endpoint for minio-go, which wants a bare
// host and a separate TLS flag. A scheme in the endpoint wins over useSSL.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	secure := useSSL
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		secure = true
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}

	endpoint = strings.TrimSuffix(endpoint, "/")
	if endpoint == "" || strings.Contains(endpoint, "/") {
		return "", false, fmt.Errorf("endpoint %q must be a host[:port]", endpoint)
	}
	return endpoint, secure, nil
}
