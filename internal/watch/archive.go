package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JonMunkholm/scanfeed/internal/config"
	"github.com/JonMunkholm/scanfeed/internal/ledger"
)

// Archiver moves a successfully ingested file out of the watched folder.
// It returns where the file went.
type Archiver interface {
	Archive(ctx context.Context, folder ledger.WatchedFolder, file FileInfo) (string, error)
}

// NewArchiver builds the Archiver selected by cfg.Mode.
func NewArchiver(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Mode {
	case "none":
		return NoArchive{}, nil
	case "", "dir":
		return &DirArchiver{DirName: cfg.DirName}, nil
	case "minio":
		return NewObjectArchiver(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive mode %q", cfg.Mode)
	}
}

// NoArchive leaves files in place. The ledger alone keeps them from being
// ingested again.
type NoArchive struct{}

// Archive implements Archiver.
func (NoArchive) Archive(_ context.Context, _ ledger.WatchedFolder, file FileInfo) (string, error) {
	return file.Path, nil
}

// DirArchiver moves files into a subdirectory of the watched folder. An
// existing file of the same name is kept; the newcomer gets a timestamp
// suffix.
type DirArchiver struct {
	DirName string
	now     func() time.Time
}

// Archive implements Archiver.
func (a *DirArchiver) Archive(_ context.Context, folder ledger.WatchedFolder, file FileInfo) (string, error) {
	name := a.DirName
	if name == "" {
		name = "done"
	}
	dir := filepath.Join(folder.Path, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	dest := filepath.Join(dir, file.Name)
	if _, err := os.Stat(dest); err == nil {
		now := time.Now
		if a.now != nil {
			now = a.now
		}
		ext := filepath.Ext(file.Name)
		stem := strings.TrimSuffix(file.Name, ext)
		dest = filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, now().UTC().Format("20060102T150405.000000000"), ext))
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", dest, err)
	}

	if err := os.Rename(file.Path, dest); err != nil {
		return "", fmt.Errorf("failed moving file %s: %w", file.Name, err)
	}
	return dest, nil
}

// objectPutter is the part of *minio.Client the archiver uses.
type objectPutter interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectArchiver uploads files to an S3-compatible bucket under
// <scanner_id>/<filename>, then removes the local copy.
type ObjectArchiver struct {
	client objectPutter
	bucket string
}

// NewObjectArchiver connects to the configured endpoint and makes sure the
// bucket exists.
func NewObjectArchiver(ctx context.Context, cfg config.ArchiveConfig) (*ObjectArchiver, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &ObjectArchiver{client: cli, bucket: cfg.Bucket}, nil
}

// ObjectKey returns the object name a file is archived under.
func ObjectKey(scannerID, filename string) string {
	return path.Join(scannerID, filename)
}

// Archive implements Archiver.
func (a *ObjectArchiver) Archive(ctx context.Context, folder ledger.WatchedFolder, file FileInfo) (string, error) {
	key := ObjectKey(folder.ScannerID, file.Name)
	_, err := a.client.FPutObject(ctx, a.bucket, key, file.Path, minio.PutObjectOptions{
		ContentType: "text/csv",
		UserMetadata: map[string]string{
			"folder-id":  fmt.Sprint(folder.ID),
			"table-name": folder.TableName,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := os.Remove(file.Path); err != nil {
		return "", fmt.Errorf("remove archived file %s: %w", file.Name, err)
	}
	return a.bucket + "/" + key, nil
}
