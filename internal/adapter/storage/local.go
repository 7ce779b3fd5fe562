package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// LocalStore keeps objects on the filesystem under a base directory.
// Object bytes live under objects/, per-object metadata sidecars under
// meta/, so listings never see bookkeeping files.
type LocalStore struct {
	base string
}

// NewLocalStore creates the backend rooted at base, ensuring its layout.
func NewLocalStore(base string) (*LocalStore, error) {
	if base == "" {
		return nil, fmt.Errorf("op=storage.local: base path required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("op=storage.local: %w", err)
	}
	for _, dir := range []string{filepath.Join(abs, "objects"), filepath.Join(abs, "meta")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=storage.local: %w", err)
		}
	}
	return &LocalStore{base: abs}, nil
}

type localMeta struct {
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (l *LocalStore) objectPath(key string) string {
	return filepath.Join(l.base, "objects", filepath.FromSlash(key))
}

func (l *LocalStore) metaPath(key string) string {
	return filepath.Join(l.base, "meta", filepath.FromSlash(key)+".json")
}

// Upload writes the object atomically (temp file plus rename) and stores
// its metadata sidecar.
func (l *LocalStore) Upload(ctx domain.Context, data []byte, key string, opts domain.UploadOptions) (domain.StoredObject, error) {
	const op = "op=storage.upload"
	if err := validateKey(key); err != nil {
		return domain.StoredObject{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(data) == 0 {
		return domain.StoredObject{}, fmt.Errorf("%s: %w", op,
			domain.E(domain.CodeFileInvalid, "refusing empty upload for %s", key))
	}

	p := l.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return domain.StoredObject{}, providerErr(op, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return domain.StoredObject{}, providerErr(op, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return domain.StoredObject{}, providerErr(op, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return domain.StoredObject{}, providerErr(op, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return domain.StoredObject{}, providerErr(op, err)
	}

	if err := l.writeMeta(key, localMeta{ContentType: opts.ContentType, Metadata: opts.Metadata}); err != nil {
		return domain.StoredObject{}, providerErr(op, err)
	}
	return domain.StoredObject{Provider: "local", Key: key, Size: int64(len(data))}, nil
}

func (l *LocalStore) writeMeta(key string, m localMeta) error {
	mp := l.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(mp), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(mp, b, 0o644)
}

func (l *LocalStore) readMeta(key string) localMeta {
	var m localMeta
	b, err := os.ReadFile(l.metaPath(key))
	if err != nil {
		return m
	}
	_ = json.Unmarshal(b, &m)
	return m
}

// Download returns the object bytes.
func (l *LocalStore) Download(ctx domain.Context, key string) ([]byte, error) {
	const op = "op=storage.download"
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b, err := os.ReadFile(l.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundErr(op, key)
		}
		return nil, providerErr(op, err)
	}
	return b, nil
}

// Delete removes the object and reports whether it existed.
func (l *LocalStore) Delete(ctx domain.Context, key string) (bool, error) {
	const op = "op=storage.delete"
	if err := validateKey(key); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	err := os.Remove(l.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, providerErr(op, err)
	}
	_ = os.Remove(l.metaPath(key))
	return true, nil
}

// Exists reports whether the object is present.
func (l *LocalStore) Exists(ctx domain.Context, key string) (bool, error) {
	const op = "op=storage.exists"
	if err := validateKey(key); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err := os.Stat(l.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, providerErr(op, err)
	}
	return true, nil
}

// Metadata describes the object. Content type falls back to the key's
// extension when the sidecar predates it.
func (l *LocalStore) Metadata(ctx domain.Context, key string) (domain.ObjectMetadata, error) {
	const op = "op=storage.metadata"
	if err := validateKey(key); err != nil {
		return domain.ObjectMetadata{}, fmt.Errorf("%s: %w", op, err)
	}
	info, err := os.Stat(l.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ObjectMetadata{}, notFoundErr(op, key)
		}
		return domain.ObjectMetadata{}, providerErr(op, err)
	}
	m := l.readMeta(key)
	if m.ContentType == "" {
		m.ContentType = mime.TypeByExtension(filepath.Ext(key))
	}
	return domain.ObjectMetadata{
		Key:          key,
		Size:         info.Size(),
		ContentType:  m.ContentType,
		LastModified: info.ModTime().UTC(),
		Metadata:     m.Metadata,
	}, nil
}

// SignedURL returns a file URL for the object. Local objects carry no
// credentials, so the TTL is advisory; the backend exists for development
// and single-host deployments where the path is directly reachable.
func (l *LocalStore) SignedURL(ctx domain.Context, key string, ttl time.Duration) (string, error) {
	const op = "op=storage.signed_url"
	if err := validateKey(key); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	ok, err := l.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", notFoundErr(op, key)
	}
	return "file://" + filepath.ToSlash(l.objectPath(key)), nil
}

// List returns one page of keys under the prefix in lexical order. The
// token is the last key of the previous page.
func (l *LocalStore) List(ctx domain.Context, prefix string, opts domain.ListOptions) (domain.ObjectListing, error) {
	const op = "op=storage.list"
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	root := filepath.Join(l.base, "objects")
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return domain.ObjectListing{}, providerErr(op, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.Token != "" {
		start = sort.SearchStrings(keys, opts.Token)
		if start < len(keys) && keys[start] == opts.Token {
			start++
		}
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}

	out := domain.ObjectListing{}
	for _, key := range keys[start:end] {
		info, err := os.Stat(l.objectPath(key))
		if err != nil {
			continue
		}
		out.Objects = append(out.Objects, domain.ObjectMetadata{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
	}
	if end < len(keys) && len(out.Objects) > 0 {
		out.NextToken = out.Objects[len(out.Objects)-1].Key
	}
	return out, nil
}

// Copy duplicates src to dst, sidecar included.
func (l *LocalStore) Copy(ctx domain.Context, src, dst string) error {
	const op = "op=storage.copy"
	if err := validateKey(src); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := validateKey(dst); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	data, err := os.ReadFile(l.objectPath(src))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFoundErr(op, src)
		}
		return providerErr(op, err)
	}

	p := l.objectPath(dst)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return providerErr(op, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".copy-*")
	if err != nil {
		return providerErr(op, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return providerErr(op, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return providerErr(op, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return providerErr(op, err)
	}
	if err := l.writeMeta(dst, l.readMeta(src)); err != nil {
		return providerErr(op, err)
	}
	return nil
}

// Move copies src to dst and removes src.
func (l *LocalStore) Move(ctx domain.Context, src, dst string) error {
	if err := l.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := l.Delete(ctx, src)
	return err
}
