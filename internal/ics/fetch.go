package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	appLog "calsync/internal/log"
)

// StatusError is returned when a feed answers with a non-OK status and no
// cached copy exists.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ics feed: unexpected status %s", e.Status)
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads read-only ICS subscriptions with conditional GET
// (ETag / Last-Modified) and a disk cache. When the network fails and a
// cached body exists, the cached body is served.
type Fetcher struct {
	client   *resty.Client
	cacheDir string
}

// NewFetcher creates a Fetcher caching under cacheDir.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "calsync-ics-cache")
	}
	return &Fetcher{
		client:   resty.New().SetTimeout(15 * time.Second),
		cacheDir: cacheDir,
	}
}

// IsRemote reports whether a calendar id names a subscription URL.
func IsRemote(id string) bool {
	lower := strings.ToLower(id)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "webcal://")
}

// Fetch returns the feed body and whether it came from the cache.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, bool, error) {
	target := rawURL
	if strings.HasPrefix(strings.ToLower(target), "webcal://") {
		target = "https://" + target[len("webcal://"):]
	}

	cachePath := f.cachePathForURL(target)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return nil, false, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := os.ReadFile(filepath.Join(cachePath, "body.ics"))

	req := f.client.R().SetContext(ctx)
	if meta.ETag != "" && len(cachedBody) > 0 {
		req.SetHeader("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" && len(cachedBody) > 0 {
		req.SetHeader("If-Modified-Since", meta.LastModified)
	}

	resp, err := req.Get(target)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "url", redactURL(target))
			return cachedBody, true, nil
		}
		return nil, false, err
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		body := resp.Body()
		newMeta := cacheEntry{
			URL:          target,
			ETag:         resp.Header().Get("ETag"),
			LastModified: resp.Header().Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, "url", redactURL(target))
		}
		appLog.Debug("ics fetch success", "url", redactURL(target), "bytes", len(body))
		return body, false, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, false, &StatusError{Code: resp.StatusCode(), Status: resp.Status()}
		}
		appLog.Debug("ics fetch not modified; using cache", "url", redactURL(target))
		return cachedBody, true, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", &StatusError{Code: resp.StatusCode(), Status: resp.Status()},
				"url", redactURL(target))
			return cachedBody, true, nil
		}
		return nil, false, &StatusError{Code: resp.StatusCode(), Status: resp.Status()}
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; subscription paths often embed
// secrets.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}
