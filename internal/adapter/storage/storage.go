// Package storage provides the blob backends for uploaded documents and
// generated artifacts. Both backends speak the same contract: validated
// keys, empty uploads rejected, and provider failures folded into the
// file error codes.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
)

// maxKeyLen bounds object keys; S3 caps keys at 1024 bytes and the local
// backend follows.
const maxKeyLen = 1024

// New builds the backend selected by STORAGE_TYPE.
func New(ctx context.Context, cfg *config.Config) (domain.ObjectStore, error) {
	switch cfg.StorageType {
	case config.StorageS3:
		return NewS3Store(ctx, cfg)
	case config.StorageLocal:
		return NewLocalStore(cfg.StorageBasePath)
	default:
		return nil, fmt.Errorf("op=storage.new: unknown backend %q", cfg.StorageType)
	}
}

func validateKey(key string) error {
	switch {
	case key == "":
		return domain.E(domain.CodeFileInvalid, "object key is empty")
	case len(key) > maxKeyLen:
		return domain.E(domain.CodeFileInvalid, "object key exceeds %d bytes", maxKeyLen)
	case strings.HasPrefix(key, "/"):
		return domain.E(domain.CodeFileInvalid, "object key must be relative")
	case strings.Contains(key, ".."):
		return domain.E(domain.CodeFileInvalid, "object key must not traverse directories")
	}
	return nil
}

func notFoundErr(op, key string) error {
	return fmt.Errorf("%s: %w", op, domain.E(domain.CodeFileNotFound, "object %s not found", key))
}

func providerErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, domain.E(domain.CodeProviderError, "storage provider failure").WithCause(err))
}
