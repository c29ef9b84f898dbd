// Package blobstore reads view definitions from object storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// TypeS3 selects the S3 backend
	TypeS3 = "s3"
	// TypeFilesystem selects the local directory backend
	TypeFilesystem = "filesystem"
)

var (
	// ErrNotFound is returned when a blob does not exist
	ErrNotFound = errors.New("blob not found")
	// ErrUnknownType is returned for an unsupported backend type
	ErrUnknownType = errors.New("unknown blob store type")
	// ErrBucketRequired is returned when the S3 bucket is missing
	ErrBucketRequired = errors.New("s3 bucket is required")
	// ErrRootRequired is returned when the filesystem root is missing
	ErrRootRequired = errors.New("filesystem root is required")
)

// Object describes one blob in a listing.
type Object struct {
	Name    string
	Updated time.Time
}

// Store lists and reads blobs. Names are slash separated and relative to the
// store root.
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, name string) ([]byte, error)
}

// Config selects and configures the blob store backend.
type Config struct {
	Type       string           `yaml:"type" default:"filesystem"`
	S3         S3Config         `yaml:"s3"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	// CacheSize is the number of blob versions kept in memory, 0 disables caching
	CacheSize int `yaml:"cacheSize" default:"256"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region" default:"us-east-1"`
	Endpoint string `yaml:"endpoint"`
	// Prefer IAM roles or the AWS_* environment variables over static keys
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

// FilesystemConfig configures the filesystem backend.
type FilesystemConfig struct {
	Root string `yaml:"root"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Type {
	case TypeS3:
		if c.S3.Bucket == "" {
			return ErrBucketRequired
		}
	case TypeFilesystem:
		if c.Filesystem.Root == "" {
			return ErrRootRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}

	return nil
}

// New builds the configured backend, wrapped in a content cache when
// CacheSize is positive.
func New(ctx context.Context, log logrus.FieldLogger, cfg *Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		store Store
		err   error
	)

	switch cfg.Type {
	case TypeS3:
		store, err = NewS3Store(ctx, &cfg.S3)
	default:
		store = NewFilesystemStore(cfg.Filesystem.Root)
	}

	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"component": "blobstore",
		"type":      cfg.Type,
		"cache":     cfg.CacheSize,
	}).Info("Blob store ready")

	if cfg.CacheSize <= 0 {
		return store, nil
	}

	return NewCachedStore(store, cfg.CacheSize)
}
