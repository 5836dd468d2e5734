// Package blobstore is the gateway to the object store holding attachment
// bytes. It only builds storage keys and mints time-limited signed URLs;
// attachment metadata lives in the relational store.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"claimline/api/internal/util"
)

type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	UseSSL      bool
	DownloadTTL time.Duration
	UploadTTL   time.Duration
}

type Gateway struct {
	client      *minio.Client
	bucket      string
	downloadTTL time.Duration
	uploadTTL   time.Duration
}

func New(cfg Config) (*Gateway, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	downloadTTL := cfg.DownloadTTL
	if downloadTTL <= 0 {
		downloadTTL = 10 * time.Minute
	}
	uploadTTL := cfg.UploadTTL
	if uploadTTL <= 0 {
		uploadTTL = 15 * time.Minute
	}

	return &Gateway{
		client:      client,
		bucket:      cfg.Bucket,
		downloadTTL: downloadTTL,
		uploadTTL:   uploadTTL,
	}, nil
}

// EnsureBucket creates the attachment bucket if it does not exist yet.
func (g *Gateway) EnsureBucket(ctx context.Context) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", g.bucket, err)
	}
	if exists {
		return nil
	}
	if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", g.bucket, err)
	}
	return nil
}

// ObjectKey builds the storage key for one attachment file. The random
// segment keeps two same-named files of one message from colliding.
func ObjectKey(claimID, messageID, fileName string) string {
	return fmt.Sprintf("claims/%s/%s/%s_%s", claimID, messageID, util.NewID("")[:8], sanitizeFileName(fileName))
}

// Upload streams the file bytes to the object store under key.
func (g *Gateway) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := g.client.PutObject(ctx, g.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// PresignDownload mints a fresh short-lived GET URL for one attachment.
// Callers request a new URL per click; URLs are never reused past expiry.
func (g *Gateway) PresignDownload(ctx context.Context, key, fileName string) (string, time.Time, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	expiresAt := time.Now().Add(g.downloadTTL)
	signed, err := g.client.PresignedGetObject(ctx, g.bucket, key, g.downloadTTL, params)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign download %s: %w", key, err)
	}
	return signed.String(), expiresAt, nil
}

// PresignUpload mints a short-lived PUT URL so a browser can push file bytes
// straight to the object store without routing them through this service.
func (g *Gateway) PresignUpload(ctx context.Context, key string) (string, time.Time, error) {
	expiresAt := time.Now().Add(g.uploadTTL)
	signed, err := g.client.PresignedPutObject(ctx, g.bucket, key, g.uploadTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign upload %s: %w", key, err)
	}
	return signed.String(), expiresAt, nil
}

// Remove deletes one stored object. Used by the retention purge job.
func (g *Gateway) Remove(ctx context.Context, key string) error {
	if err := g.client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 80 {
		result = result[len(result)-80:]
	}
	if result == "" || strings.Trim(result, ".") == "" {
		result = "file"
	}
	return result
}
