// Package media validates uploads and persists them under random, never-reused names.
package media

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"msgboard/apperrors"
	"msgboard/config"
	"msgboard/models"
)

// maxCollisionSuffix bounds the -N suffixes tried before giving up on a name.
const maxCollisionSuffix = 100

type fileType struct {
	ext    string
	format string // image.DecodeConfig format name; empty for non-images
}

var allowedTypes = map[string]fileType{
	"image/jpeg": {ext: ".jpg", format: "jpeg"},
	"image/png":  {ext: ".png", format: "png"},
	"image/gif":  {ext: ".gif", format: "gif"},
	"image/webp": {ext: ".webp", format: "webp"},
	"video/webm": {ext: ".webm"},
	"video/mp4":  {ext: ".mp4"},
}

// Allowed reports whether a MIME type is on the allow-list.
func Allowed(mime string) bool {
	_, ok := allowedTypes[mime]
	return ok
}

// Gate is the pass/fail check in front of media storage.
type Gate struct {
	storage StorageService
	maxSize int64
	logger  *slog.Logger

	// newName returns the random base of a file name.
	newName func() (string, error)
}

func NewGate(storage StorageService, maxSize int64, logger *slog.Logger) *Gate {
	return &Gate{
		storage: storage,
		maxSize: maxSize,
		logger:  logger,
		newName: randomName,
	}
}

// Store validates data and persists it. size is the size the client declared; both it
// and the actual length must fit the ceiling. Images also get a best-effort thumbnail.
func (g *Gate) Store(ctx context.Context, data []byte, declaredMime string, size int64) (*models.MediaRef, error) {
	if len(data) == 0 || size == 0 {
		return nil, apperrors.Validation("media", "file is empty")
	}
	if size > g.maxSize || int64(len(data)) > g.maxSize {
		return nil, &apperrors.CapacityError{Message: fmt.Sprintf("file is larger than the %dMB limit", g.maxSize/1024/1024)}
	}
	mime := strings.ToLower(strings.TrimSpace(declaredMime))
	ft, ok := allowedTypes[mime]
	if !ok {
		return nil, &apperrors.CapacityError{Message: fmt.Sprintf("unsupported file type: %s", declaredMime)}
	}

	if ft.format != "" {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, apperrors.Validation("media", "invalid image, could not decode: %v", err)
		}
		if format != ft.format {
			return nil, apperrors.Validation("media", "file is %s but was declared as %s", format, mime)
		}
		if cfg.Width > config.MaxWidth || cfg.Height > config.MaxHeight {
			return nil, apperrors.Validation("media", "image dimensions (%dx%d) exceed maximum (%dx%d)",
				cfg.Width, cfg.Height, config.MaxWidth, config.MaxHeight)
		}
	}

	base, err := g.newName()
	if err != nil {
		return nil, fmt.Errorf("generate media name: %w", err)
	}
	path, name, err := g.saveUnique(ctx, base, ft.ext, data, mime)
	if err != nil {
		return nil, err
	}

	ref := &models.MediaRef{Path: path, MimeType: mime, Size: int64(len(data))}
	if ft.format != "" {
		ref.ThumbPath = g.thumbnail(ctx, strings.TrimSuffix(name, ft.ext), data)
	}
	return ref, nil
}

// saveUnique tries base+ext, then base-1+ext, base-2+ext and so on.
func (g *Gate) saveUnique(ctx context.Context, base, ext string, data []byte, mime string) (string, string, error) {
	for i := 0; i <= maxCollisionSuffix; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path, err := g.storage.SaveFile(ctx, name, data, mime)
		if err == nil {
			return path, name, nil
		}
		if !errors.Is(err, ErrExists) {
			return "", "", fmt.Errorf("save media %s: %w", name, err)
		}
	}
	return "", "", fmt.Errorf("save media: no free name for %s%s", base, ext)
}

// thumbnail writes a JPEG preview and returns its path, or "" when it could not be made.
func (g *Gate) thumbnail(ctx context.Context, stem string, data []byte) string {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		g.logger.Warn("Could not decode image for thumbnail", "error", err)
		return ""
	}
	thumb := imaging.Fit(img, config.ThumbnailWidth, config.ThumbnailHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		g.logger.Warn("Failed to encode thumbnail", "error", err)
		return ""
	}
	path, err := g.storage.SaveFile(ctx, stem+"_thumb.jpg", buf.Bytes(), "image/jpeg")
	if err != nil {
		g.logger.Warn("Failed to save thumbnail", "error", err)
		return ""
	}
	return path
}

// Release deletes a media file and its thumbnail. Files already gone are not errors.
func (g *Gate) Release(ctx context.Context, ref *models.MediaRef) error {
	if ref == nil {
		return nil
	}
	var errs []error
	if ref.Path != "" {
		if err := g.storage.DeleteFile(ctx, ref.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ref.Path, err))
		}
	}
	if ref.ThumbPath != "" {
		if err := g.storage.DeleteFile(ctx, ref.ThumbPath); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ref.ThumbPath, err))
		}
	}
	return errors.Join(errs...)
}

func randomName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
