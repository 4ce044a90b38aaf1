// Package monitor finds calendar photos in a watched folder that the
// ledger has not finished with.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".heic": true,
}

// Image is one candidate file found by a scan.
type Image struct {
	Path        string
	ContentHash string
	Size        int64
	ModTime     time.Time
}

type Scanner struct {
	root   string
	ledger ledger.Store
}

func New(root string, store ledger.Store) *Scanner {
	return &Scanner{root: root, ledger: store}
}

func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// HashFile returns the hex SHA-256 of the file's bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Scan walks the folder recursively and hashes every image. Files that
// cannot be read are logged and left out. Copies with the same content
// are reported once, under the lexically first path.
func (s *Scanner) Scan(ctx context.Context) ([]Image, error) {
	if s.root == "" {
		return nil, fmt.Errorf("%w: monitor path is empty", model.ErrConfiguration)
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: monitor path: %v", model.ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: monitor path %s is not a directory", model.ErrConfiguration, s.root)
	}

	seen := map[string]bool{}
	out := make([]Image, 0)
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			appLog.Error("scan entry failed", err, "path", path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || !IsImage(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			appLog.Error("stat image failed", err, "path", path)
			return nil
		}
		hash, err := HashFile(path)
		if err != nil {
			appLog.Error("hash image failed", err, "path", path)
			return nil
		}
		if seen[hash] {
			appLog.Debug("duplicate image content", "path", path, "hash", hash)
			return nil
		}
		seen[hash] = true
		out = append(out, Image{Path: path, ContentHash: hash, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Pending returns images with no ledger record or a failed one.
func (s *Scanner) Pending(ctx context.Context) ([]Image, error) {
	all, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	out, err := Unprocessed(ctx, s.ledger, all)
	if err != nil {
		return nil, err
	}
	appLog.Info("scan finished", "path", s.root, "images", len(all), "pending", len(out))
	return out, nil
}

// Unprocessed drops images whose ledger record is final. A nil store
// keeps every image.
func Unprocessed(ctx context.Context, store ledger.Store, images []Image) ([]Image, error) {
	if store == nil {
		return images, nil
	}
	out := make([]Image, 0, len(images))
	for _, img := range images {
		rec, found, err := store.Lookup(ctx, img.ContentHash)
		if err != nil {
			return nil, err
		}
		if found && rec.Outcome.Final() {
			continue
		}
		out = append(out, img)
	}
	return out, nil
}
