package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/replica/internal/models"
)

// FSStore implements ObjectStore on the local filesystem. Objects are stored
// under their path with a .meta sidecar holding the FileMetadata.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed object store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Upload decodes the payload and writes it atomically.
func (s *FSStore) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if req.Kind != "" && req.Kind != models.UploadKindDataURL {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedKind, req.Kind)
	}
	contentType, data, err := DecodeDataURL(req.Data)
	if err != nil {
		return nil, err
	}
	meta, err := s.Put(ctx, req.Path, contentType, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &UploadResult{FileMetadata: *meta}, nil
}

// Put streams r to key, replacing any existing object.
func (s *FSStore) Put(_ context.Context, key, contentType string, r io.Reader) (*FileMetadata, error) {
	key, err := cleanPath(key)
	if err != nil {
		return nil, err
	}

	objPath := s.objectPath(key)
	dir := filepath.Dir(objPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	// Write to temp file, hash, rename
	tmpFile, err := os.CreateTemp(dir, ".obj-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write object data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename object: %w", err)
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := FileMetadata{
		Key:         key,
		ContentType: contentType,
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal object meta: %w", err)
	}
	if err := os.WriteFile(objPath+".meta", metaData, 0644); err != nil {
		return nil, fmt.Errorf("write object meta: %w", err)
	}
	return &meta, nil
}

// Open returns a reader for a stored object and its metadata.
// Returns ErrNotFound if the object does not exist.
func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, *FileMetadata, error) {
	key, err := cleanPath(key)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	objPath := s.objectPath(key)

	metaData, err := os.ReadFile(objPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read object meta %s: %w", key, err)
	}
	var meta FileMetadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, nil, fmt.Errorf("decode object meta %s: %w", key, err)
	}

	f, err := os.Open(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open object %s: %w", key, err)
	}
	return f, &meta, nil
}

// Delete removes an object and its metadata file.
func (s *FSStore) Delete(_ context.Context, key string) error {
	key, err := cleanPath(key)
	if err != nil {
		return nil
	}
	os.Remove(s.objectPath(key))
	os.Remove(s.objectPath(key) + ".meta")
	return nil
}

// TotalCount returns the number of stored objects by scanning the directory tree.
func (s *FSStore) TotalCount(_ context.Context) (int, error) {
	var count int

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !strings.HasSuffix(path, ".meta") && !strings.HasPrefix(info.Name(), ".") {
			count++
		}
		return nil
	})

	return count, err
}

func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
