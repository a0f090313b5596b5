package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrExists is returned by SaveFile when the name is already taken. Backends never overwrite.
var ErrExists = errors.New("media: file already exists")

// StorageService persists media bytes and returns the public path they are served from.
type StorageService interface {
	SaveFile(ctx context.Context, filename string, data []byte, contentType string) (string, error)
	// DeleteFile removes a previously saved file. A file that is already gone is not an error.
	DeleteFile(ctx context.Context, path string) error
}

// LocalStorage implements StorageService for local disk.
type LocalStorage struct {
	UploadDir string
}

func NewLocalStorage(uploadDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create upload directory %s: %w", uploadDir, err)
	}
	return &LocalStorage{UploadDir: uploadDir}, nil
}

func (ls *LocalStorage) SaveFile(_ context.Context, filename string, data []byte, _ string) (string, error) {
	fullPath := filepath.Join(ls.UploadDir, filepath.Base(filename))
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return "", ErrExists
		}
		return "", err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		if rerr := os.Remove(fullPath); rerr != nil && !os.IsNotExist(rerr) {
			return "", errors.Join(werr, cerr, rerr)
		}
		return "", errors.Join(werr, cerr)
	}
	return "/uploads/" + filepath.Base(filename), nil
}

func (ls *LocalStorage) DeleteFile(_ context.Context, path string) error {
	// Path is like "/uploads/filename.ext"
	fullPath := filepath.Join(ls.UploadDir, filepath.Base(path))
	err := os.Remove(fullPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// S3Storage implements StorageService for S3-compatible object storage.
type S3Storage struct {
	Client     *minio.Client
	BucketName string
	PublicURL  string
}

func NewS3Storage(ctx context.Context, endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*S3Storage, error) {
	// Strip scheme if present
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		// Use IAM role credentials if keys are not provided
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucket,
		PublicURL:  strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// SaveFile checks for an existing object first. The check and the put are not atomic;
// random names make a race between them vanishingly unlikely.
func (s3 *S3Storage) SaveFile(ctx context.Context, filename string, data []byte, contentType string) (string, error) {
	_, err := s3.Client.StatObject(ctx, s3.BucketName, filename, minio.StatObjectOptions{})
	if err == nil {
		return "", ErrExists
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return "", fmt.Errorf("stat object %s: %w", filename, err)
	}

	_, err = s3.Client.PutObject(ctx, s3.BucketName, filename, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", s3.PublicURL, filename), nil
}

// DeleteFile removes the object named by the last segment of path. S3 treats removal
// of a missing key as success.
func (s3 *S3Storage) DeleteFile(ctx context.Context, path string) error {
	key := objectKey(path)
	if key == "" {
		return nil
	}
	return s3.Client.RemoveObject(ctx, s3.BucketName, key, minio.RemoveObjectOptions{})
}

// objectKey extracts the key from a public URL like "https://bucket.host/name.ext".
func objectKey(path string) string {
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
