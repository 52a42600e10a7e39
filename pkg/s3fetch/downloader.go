package s3fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: NumCPU clamped to [4, 16].
	Concurrency int

	// PartSize is the size of each download part in bytes.
	// Default: 16MB.
	PartSize int64

	// TempDir is the directory for downloaded sources.
	// If empty, os.TempDir() is used.
	TempDir string
}

// DefaultDownloaderConfig returns defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := min(max(runtime.NumCPU(), 4), 16)
	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    16 * 1024 * 1024,
	}
}

// Downloader fetches whole objects to local temp files with parallel range
// requests. Columnar sources need random access, so they are never streamed.
type Downloader struct {
	manager *manager.Downloader
	config  DownloaderConfig
}

// NewDownloader creates a Downloader from an existing client.
func NewDownloader(c *Client, cfg DownloaderConfig) *Downloader {
	def := DefaultDownloaderConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}

	mgr := manager.NewDownloader(c.S3(), func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
	})

	return &Downloader{manager: mgr, config: cfg}
}

// Config returns the downloader configuration.
func (d *Downloader) Config() DownloaderConfig {
	return d.config
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	Duration        time.Duration
}

// Download fetches s3://bucket/key into a temp file. The returned TempFile
// removes itself on Close.
func (d *Downloader) Download(ctx context.Context, bucket, key string) (*TempFile, *DownloadResult, error) {
	start := time.Now()

	tempDir := d.config.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	f, err := os.CreateTemp(tempDir, "histcache-src-*"+path.Ext(key))
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}

	n, err := d.manager.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, fmt.Errorf("seek temp file: %w", err)
	}

	return &TempFile{file: f, path: f.Name(), size: n},
		&DownloadResult{BytesDownloaded: n, Duration: time.Since(start)}, nil
}

// TempFile is a downloaded object on local disk, deleted on Close.
type TempFile struct {
	file *os.File
	path string
	size int64
}

// NewTempFile adopts an already written file; Close removes it.
func NewTempFile(f *os.File) (*TempFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat temp file: %w", err)
	}
	return &TempFile{file: f, path: f.Name(), size: info.Size()}, nil
}

// Read implements io.Reader.
func (t *TempFile) Read(p []byte) (int, error) {
	return t.file.Read(p)
}

// ReadAt implements io.ReaderAt for Parquet compatibility.
func (t *TempFile) ReadAt(p []byte, off int64) (int, error) {
	return t.file.ReadAt(p, off)
}

// Seek implements io.Seeker.
func (t *TempFile) Seek(offset int64, whence int) (int64, error) {
	return t.file.Seek(offset, whence)
}

// Size returns the file size.
func (t *TempFile) Size() int64 {
	return t.size
}

// Path returns the local path.
func (t *TempFile) Path() string {
	return t.path
}

// Close closes and removes the file.
func (t *TempFile) Close() error {
	err := t.file.Close()
	os.Remove(t.path)
	if err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}
