// Package files resolves attachment ids to their metadata and, when object
// storage is configured, to short-lived download links.
package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"angira/api/internal/events"
	"angira/api/internal/store"
)

type FileStore interface {
	GetFile(context.Context, int64) (store.File, error)
}

// Presigner is satisfied by *minio.Client.
type Presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// NewMinioClient builds a client with a fixed region so presigning stays a
// local computation.
func NewMinioClient(opts MinioOptions) (*minio.Client, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

type Resolver struct {
	store     FileStore
	presigner Presigner
	bucket    string
	ttl       time.Duration
}

// NewResolver returns a Resolver. presigner may be nil, in which case
// attachments are described without a URL.
func NewResolver(files FileStore, presigner Presigner, bucket string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Resolver{store: files, presigner: presigner, bucket: bucket, ttl: ttl}
}

func (r *Resolver) Exists(ctx context.Context, fileID int64) (bool, error) {
	_, err := r.store.GetFile(ctx, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup file: %w", err)
	}
	return true, nil
}

func (r *Resolver) Describe(ctx context.Context, fileID int64) (events.File, error) {
	file, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return events.File{}, fmt.Errorf("lookup file: %w", err)
	}
	out := events.File{
		ID:   file.ID,
		Name: file.OriginalName,
		Type: file.Mimetype,
		Size: file.Size,
	}
	if r.presigner == nil {
		return out, nil
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("inline; filename=%q", file.OriginalName))
	link, err := r.presigner.PresignedGetObject(ctx, r.bucket, file.Filename, r.ttl, params)
	if err != nil {
		return out, fmt.Errorf("presign file %d: %w", file.ID, err)
	}
	out.URL = link.String()
	return out, nil
}
