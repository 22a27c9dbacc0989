// Package attachments downloads attachment content to local disk and derives
// bounded-width thumbnails for raster images.
package attachments

import (
	"bytes"
	"context"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // registers the webp decoder
)

const (
	originalDir  = "original"
	thumbnailDir = "thumbnails"

	maxNameLen        = 200
	DefaultMaxWidth   = 400
	defaultDownloadTO = 5 * time.Minute
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

// Result describes the outcome of one download. On failure only Error is set.
type Result struct {
	OriginalPath  string
	ThumbnailPath string
	Size          int64
	Success       bool
	Error         string
}

// Options configures a Store.
type Options struct {
	BasePath           string
	GenerateThumbnails bool
	ThumbnailMaxWidth  int
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Store writes originals under {base}/original and thumbnails under
// {base}/thumbnails.
type Store struct {
	base       string
	thumbnails bool
	maxWidth   int
	http       *http.Client
	logger     *slog.Logger

	suffix func() string
}

// New creates a Store. Directories are created lazily on first write.
func New(opts Options) *Store {
	s := &Store{
		base:       opts.BasePath,
		thumbnails: opts.GenerateThumbnails,
		maxWidth:   opts.ThumbnailMaxWidth,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
		suffix:     randomSuffix,
	}
	if s.base == "" {
		s.base = "./attachments"
	}
	if s.maxWidth <= 0 {
		s.maxWidth = DefaultMaxWidth
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: defaultDownloadTO}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// DownloadAndSave fetches url and stores it under a sanitized, disambiguated
// form of suggestedName. It never returns an error; failures are reported in
// the Result.
func (s *Store) DownloadAndSave(ctx context.Context, url, suggestedName string) Result {
	content, err := s.fetch(ctx, url)
	if err != nil {
		s.logger.Warn("attachment download failed", "name", suggestedName, "error", err)
		return Result{Error: err.Error()}
	}

	fileName := uniqueName(sanitizeName(suggestedName), s.suffix())
	originalPath := filepath.Join(s.base, originalDir, fileName)
	if err := writeFile(originalPath, content); err != nil {
		s.logger.Error("attachment save failed", "name", suggestedName, "path", originalPath, "error", err)
		return Result{Error: err.Error()}
	}

	res := Result{OriginalPath: originalPath, Size: int64(len(content)), Success: true}
	ext := strings.ToLower(filepath.Ext(fileName))
	if s.thumbnails && imageExts[ext] {
		thumb, err := s.thumbnail(content, fileName)
		if err != nil {
			s.logger.Warn("thumbnail generation failed", "name", suggestedName, "error", err)
		} else {
			res.ThumbnailPath = thumb
		}
	}

	s.logger.Debug("attachment downloaded", "name", suggestedName, "size", res.Size)
	return res
}

func (s *Store) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "invalid download url")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP error")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("HTTP error: status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP error: read body")
	}
	return content, nil
}

// thumbnail writes a copy of content no wider than maxWidth and returns its
// path. Images already within bounds are copied byte for byte.
func (s *Store) thumbnail(content []byte, fileName string) (string, error) {
	img, format, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return "", errors.Wrap(err, "decode image")
	}

	bounds := img.Bounds()
	if bounds.Dx() <= s.maxWidth {
		path := filepath.Join(s.base, thumbnailDir, fileName)
		return path, writeFile(path, content)
	}

	height := bounds.Dy() * s.maxWidth / bounds.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, s.maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85})
	case "gif":
		err = gif.Encode(&buf, dst, nil)
	case "bmp":
		err = bmp.Encode(&buf, dst)
	case "png":
		err = png.Encode(&buf, dst)
	default:
		// No encoder for the source format (webp): store as png.
		err = png.Encode(&buf, dst)
		fileName = strings.TrimSuffix(fileName, filepath.Ext(fileName)) + ".png"
	}
	if err != nil {
		return "", errors.Wrapf(err, "encode %s thumbnail", format)
	}

	path := filepath.Join(s.base, thumbnailDir, fileName)
	return path, writeFile(path, buf.Bytes())
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create directory")
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return errors.Wrap(err, "write file")
	}
	return nil
}

// sanitizeName strips characters that are invalid in file names, replaces
// spaces with underscores and caps the length, keeping the extension.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), r == utf8.RuneError, unicode.IsControl(r):
			continue
		case r == ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		out = "attachment"
	}

	if utf8.RuneCountInString(out) > maxNameLen {
		ext := filepath.Ext(out)
		if utf8.RuneCountInString(ext) >= maxNameLen {
			ext = ""
		}
		stem := []rune(strings.TrimSuffix(out, ext))
		out = string(stem[:maxNameLen-utf8.RuneCountInString(ext)]) + ext
	}
	return out
}

// uniqueName inserts "_{suffix}" between stem and extension.
func uniqueName(name, suffix string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_" + suffix + strings.ToLower(ext)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
