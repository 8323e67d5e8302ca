package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tatsuya-oka/claude-bridge/internal/logging"
)

var stagerLog = logging.ForComponent(logging.CompGateway)

// supportedImageExts is the attachment whitelist. Everything else is
// skipped with a warning, not an error.
var supportedImageExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".webp": {}, ".bmp": {}, ".tiff": {},
}

const downloadTimeout = 30 * time.Second

// Stager downloads chat attachments into a directory the CLI session can
// open, with unique collision-free names.
type Stager struct {
	dir     string
	maxSize int64
	httpc   *http.Client
}

// NewStager creates the staging directory if needed. maxSizeMB caps each
// file.
func NewStager(dir string, maxSizeMB int) (*Stager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("stager: mkdir %s: %w", dir, err)
	}
	return &Stager{
		dir:     dir,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		httpc:   &http.Client{Timeout: downloadTimeout},
	}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Validate checks filename and declared size against the whitelist and cap.
func (s *Stager) Validate(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedImageExts[ext]; !ok {
		return fmt.Errorf("unsupported attachment format: %s", filename)
	}
	if size > s.maxSize {
		return fmt.Errorf("attachment too large: %s (%d bytes, max %d)", filename, size, s.maxSize)
	}
	return nil
}

// Stage downloads one attachment to a unique path. The file is written to
// a temp name and renamed, so a path never points at a half-written file.
func (s *Stager) Stage(url, filename string, size int64) (StagedImage, error) {
	if err := s.Validate(filename, size); err != nil {
		return StagedImage{}, err
	}

	dest := filepath.Join(s.dir, stagedName(filename))

	resp, err := s.httpc.Get(url)
	if err != nil {
		return StagedImage{}, fmt.Errorf("stager: download %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StagedImage{}, fmt.Errorf("stager: download %s: HTTP %d", filename, resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return StagedImage{}, fmt.Errorf("stager: create %s: %w", tmp, err)
	}

	written, err := io.Copy(f, io.LimitReader(resp.Body, s.maxSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > s.maxSize {
		err = fmt.Errorf("attachment exceeded size cap mid-download: %s", filename)
	}
	if err != nil {
		os.Remove(tmp)
		return StagedImage{}, fmt.Errorf("stager: write %s: %w", filename, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return StagedImage{}, fmt.Errorf("stager: finalize %s: %w", filename, err)
	}

	stagerLog.Info("attachment_staged",
		slog.String("file", filepath.Base(dest)),
		slog.Int64("bytes", written))
	return StagedImage{Path: dest, OriginalName: filename, Size: written}, nil
}

// stagedName builds IMG_<timestamp>_<random><ext>. The random suffix
// avoids collisions when two files arrive in the same second.
func stagedName(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		ext = ".bin"
	}
	ts := time.Now().Format("20060102_150405")
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("IMG_%s_%s%s", ts, suffix, ext)
}

// CleanupOld deletes staged files older than maxAge. Returns the number
// removed.
func (s *Stager) CleanupOld(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stager: read dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "IMG_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				stagerLog.Warn("cleanup_delete_failed",
					slog.String("file", e.Name()),
					slog.String("error", err.Error()))
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		stagerLog.Info("cleanup_complete", slog.Int("deleted", deleted))
	}
	return deleted, nil
}
