package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kilupskalvis/replica/internal/models"
)

// HTTPStore uploads objects to a storage service that accepts
// multipart POST /o/<path> and answers with the stored file metadata.
type HTTPStore struct {
	baseURL    string
	credential func() string
	httpClient *http.Client
}

// NewHTTPStore creates a store for baseURL. credential is consulted on every request.
func NewHTTPStore(baseURL string, credential func() string) *HTTPStore {
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Upload decodes the data URL and posts it as the file part.
func (s *HTTPStore) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	key, err := cleanPath(req.Path)
	if err != nil {
		return nil, err
	}
	if req.Kind != "" && req.Kind != models.UploadKindDataURL {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedKind, req.Kind)
	}
	contentType, data, err := DecodeDataURL(req.Data)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, path.Base(key)))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("create multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	u := s.baseURL + "/o/" + escapePath(key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if s.credential != nil {
		if tok := s.credential(); tok != "" {
			httpReq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var meta FileMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if meta.Key == "" {
		meta.Key = key
	}
	return &UploadResult{FileMetadata: meta}, nil
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
