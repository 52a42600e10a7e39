package record

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/eunmann/histcache/pkg/fields"
	"github.com/eunmann/histcache/pkg/s3fetch"
)

// Reader iterates the rows of one source.
type Reader interface {
	// Fields returns the field names of the source in storage order.
	Fields() []string
	// NumRows returns the total row count.
	NumRows() int64
	// SetActive restricts decoding to the given fields; nil or All() activates
	// every field. Unknown names are ignored.
	SetActive(fs fields.Set)
	// SeekToRow positions the reader so the next row returned is row n.
	SeekToRow(n int64) error
	// Next returns the next row, or io.EOF. The returned Record is only
	// valid until the following call.
	Next() (Record, error)
	// Close releases resources.
	Close() error
}

// SourceOpenError reports a source that could not be opened or read.
type SourceOpenError struct {
	Locator string
	Err     error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open source %s: %v", e.Locator, e.Err)
}

func (e *SourceOpenError) Unwrap() error { return e.Err }

// ErrUnsupportedFormat indicates a locator whose extension has no reader.
var ErrUnsupportedFormat = errors.New("unsupported source format")

// Opener resolves locators to Readers.
type Opener struct {
	downloader *s3fetch.Downloader
}

// NewOpener creates an opener. The downloader is only needed for s3://
// locators and may be nil.
func NewOpener(d *s3fetch.Downloader) *Opener {
	return &Opener{downloader: d}
}

type sourceFormat int

const (
	formatParquet sourceFormat = iota + 1
	formatCSV
	formatCSVGzip
)

func detectFormat(loc string) (sourceFormat, error) {
	l := strings.ToLower(loc)
	switch {
	case strings.HasSuffix(l, ".parquet"), strings.HasSuffix(l, ".parq"):
		return formatParquet, nil
	case strings.HasSuffix(l, ".csv.gz"):
		return formatCSVGzip, nil
	case strings.HasSuffix(l, ".csv"):
		return formatCSV, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, loc)
}

// Open opens the source at loc. Failures are returned as *SourceOpenError.
func (o *Opener) Open(ctx context.Context, loc string) (Reader, error) {
	r, err := o.open(ctx, loc)
	if err != nil {
		return nil, &SourceOpenError{Locator: loc, Err: err}
	}
	return r, nil
}

func (o *Opener) open(ctx context.Context, loc string) (Reader, error) {
	format, err := detectFormat(loc)
	if err != nil {
		return nil, err
	}

	var f file
	if s3fetch.IsS3URI(loc) {
		if o.downloader == nil {
			return nil, errors.New("no S3 downloader configured")
		}
		bucket, key, err := s3fetch.ParseS3URI(loc)
		if err != nil {
			return nil, err
		}
		tf, _, err := o.downloader.Download(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		f = tf
	} else {
		osf, err := os.Open(loc)
		if err != nil {
			return nil, err
		}
		tf, err := newLocalFile(osf)
		if err != nil {
			osf.Close()
			return nil, err
		}
		f = tf
	}

	var r Reader
	switch format {
	case formatParquet:
		r, err = newParquetReader(f)
	case formatCSV:
		r, err = newCSVReader(f, false)
	case formatCSVGzip:
		r, err = newCSVReader(f, true)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// file is a random-access source file.
type file interface {
	Read(p []byte) (int, error)
	ReadAt(p []byte, off int64) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Size() int64
	Close() error
}

type localFile struct {
	*os.File
	size int64
}

func newLocalFile(f *os.File) (*localFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &localFile{File: f, size: info.Size()}, nil
}

func (f *localFile) Size() int64 { return f.size }
