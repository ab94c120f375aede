// Package storage provides the object storage that archive exports are
// uploaded to.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	ETag string `json:"etag,omitempty"`
}

// ObjectStorage abstracts object storage operations.
// Implementations: S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the file at localPath to objectPath, replacing any
	// existing object.
	Upload(ctx context.Context, localPath, objectPath string) (ObjectInfo, error)

	// Download copies objectPath to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Stat returns the object's metadata, or ErrObjectNotFound.
	Stat(ctx context.Context, objectPath string) (ObjectInfo, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// List returns the object paths under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartConfig holds configuration for multipart uploads.
type MultipartConfig struct {
	// PartSize is the size of each part in bytes (default: 8MB).
	PartSize int64 `yaml:"part_size" json:"part_size"`
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{PartSize: 8 * 1024 * 1024}
}
