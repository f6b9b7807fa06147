package minio

import (
	sharedminio "revoice/shared/minio"
	"revoice/worker/internal/config"
)

// Client is an alias to the shared MinIO client.
type Client = sharedminio.Client

// New creates a new MinIO client using the shared implementation.
func New(cfg config.MinIOConfig) (*Client, error) {
	return sharedminio.New(cfg)
}
