package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgboard/apperrors"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func setupGate(t *testing.T, maxSize int64) (*Gate, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir)
	require.NoError(t, err)
	return NewGate(storage, maxSize, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func onDisk(dir, path string) bool {
	_, err := os.Stat(filepath.Join(dir, filepath.Base(path)))
	return err == nil
}

func TestStoreImage(t *testing.T) {
	g, dir := setupGate(t, 1<<20)
	data := pngBytes(t, 600, 300)

	ref, err := g.Store(context.Background(), data, "image/png", int64(len(data)))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ref.Path, "/uploads/"))
	assert.True(t, strings.HasSuffix(ref.Path, ".png"))
	assert.Len(t, strings.TrimSuffix(filepath.Base(ref.Path), ".png"), 16, "name is 8 random bytes in hex")
	assert.Equal(t, "image/png", ref.MimeType)
	assert.Equal(t, int64(len(data)), ref.Size)
	assert.True(t, onDisk(dir, ref.Path))

	require.NotEmpty(t, ref.ThumbPath)
	assert.True(t, strings.HasSuffix(ref.ThumbPath, "_thumb.jpg"))
	assert.True(t, onDisk(dir, ref.ThumbPath))
}

func TestStoreRejects(t *testing.T) {
	g, dir := setupGate(t, 1024)
	small := pngBytes(t, 4, 4)
	require.Less(t, len(small), 1024)

	testCases := []struct {
		name     string
		data     []byte
		mime     string
		size     int64
		capacity bool
	}{
		{"empty", nil, "image/png", 0, false},
		{"too large", make([]byte, 2048), "video/mp4", 2048, true},
		{"declared too large", small, "image/png", 4096, true},
		{"type not allowed", small, "application/pdf", int64(len(small)), true},
		{"corrupt image", []byte("definitely not a png"), "image/png", 20, false},
		{"declared type mismatch", small, "image/jpeg", int64(len(small)), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Store(context.Background(), tc.data, tc.mime, tc.size)
			require.Error(t, err)
			if tc.capacity {
				assert.True(t, apperrors.Is[*apperrors.CapacityError](err), "got %v", err)
			} else {
				assert.True(t, apperrors.Is[*apperrors.ValidationError](err), "got %v", err)
			}
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads must not leave files")
}

func TestStoreVideoSkipsDecode(t *testing.T) {
	g, dir := setupGate(t, 1024)
	data := []byte("\x00\x00\x00\x18ftypmp42")

	ref, err := g.Store(context.Background(), data, "video/mp4", int64(len(data)))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref.Path, ".mp4"))
	assert.Empty(t, ref.ThumbPath)
	assert.True(t, onDisk(dir, ref.Path))
}

func TestStoreCollisionSuffix(t *testing.T) {
	g, dir := setupGate(t, 1024)
	g.newName = func() (string, error) { return "00deadbeef00cafe", nil }
	data := []byte("webm bytes")

	var paths []string
	for i := 0; i < 3; i++ {
		ref, err := g.Store(context.Background(), data, "video/webm", int64(len(data)))
		require.NoError(t, err)
		paths = append(paths, ref.Path)
	}
	assert.Equal(t, []string{
		"/uploads/00deadbeef00cafe.webm",
		"/uploads/00deadbeef00cafe-1.webm",
		"/uploads/00deadbeef00cafe-2.webm",
	}, paths)
	for _, p := range paths {
		assert.True(t, onDisk(dir, p))
	}
}

func TestRelease(t *testing.T) {
	g, dir := setupGate(t, 1<<20)
	data := pngBytes(t, 32, 32)
	ref, err := g.Store(context.Background(), data, "image/png", int64(len(data)))
	require.NoError(t, err)

	require.NoError(t, g.Release(context.Background(), ref))
	assert.False(t, onDisk(dir, ref.Path))
	assert.False(t, onDisk(dir, ref.ThumbPath))

	// Releasing again tolerates the files being gone.
	assert.NoError(t, g.Release(context.Background(), ref))
	assert.NoError(t, g.Release(context.Background(), nil))
}

func TestLocalStorageNeverOverwrites(t *testing.T) {
	ls, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = ls.SaveFile(context.Background(), "a.png", []byte("one"), "image/png")
	require.NoError(t, err)
	_, err = ls.SaveFile(context.Background(), "a.png", []byte("two"), "image/png")
	assert.ErrorIs(t, err, ErrExists)

	got, err := os.ReadFile(filepath.Join(ls.UploadDir, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "abc.png", objectKey("https://bucket.s3.example.com/abc.png"))
	assert.Equal(t, "abc_thumb.jpg", objectKey("abc_thumb.jpg"))
}
