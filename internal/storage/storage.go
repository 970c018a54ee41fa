// Package storage uploads record attachments to an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/vincent-petithory/dataurl"
)

// Errors returned by object stores.
var (
	ErrInvalidDataURL  = errors.New("invalid data url")
	ErrInvalidPath     = errors.New("invalid object path")
	ErrNotFound        = errors.New("object not found")
	ErrUnsupportedKind = errors.New("unsupported upload kind")
)

// UploadRequest is one attachment to store. Data is encoded according to Kind.
type UploadRequest struct {
	Path string
	Data string
	Kind string
}

// FileMetadata describes a stored object.
type FileMetadata struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}

// UploadResult is returned by a successful upload.
type UploadResult struct {
	FileMetadata FileMetadata `json:"fileMetadata"`
}

// ObjectStore stores attachment payloads.
type ObjectStore interface {
	Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error)
}

// Error is an HTTP-level failure from a remote object store.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage http error (%d): %s", e.Status, e.Message)
}

// IsTransient reports whether an upload that failed with err may succeed on
// a later attempt. Rejected requests and undecodable payloads never will.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, ErrInvalidDataURL) || errors.Is(err, ErrInvalidPath) || errors.Is(err, ErrUnsupportedKind) {
		return false
	}
	return true
}

// DecodeDataURL parses an RFC 2397 data URL and returns its media type and payload.
func DecodeDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, fmt.Errorf("%w: missing data: prefix", ErrInvalidDataURL)
	}
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return du.MediaType.String(), du.Data, nil
}

// EncodeDataURL builds a base64 data URL for data, sniffing its media type
// from the content.
func EncodeDataURL(data []byte) string {
	detected := mimetype.Detect(data).String()
	mediaType, params, err := mime.ParseMediaType(detected)
	if err != nil {
		return dataurl.New(data, "application/octet-stream").String()
	}
	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, k, v)
	}
	return dataurl.New(data, mediaType, pairs...).String()
}

// cleanPath validates an object path and strips leading slashes.
func cleanPath(p string) (string, error) {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return p, nil
}
