//go:build !unix

package fileutil

// FileLock is a no-op on platforms without flock. Writes stay atomic per
// file through rename; only cross-process serialization is lost.
type FileLock struct{}

// Lock returns a no-op lock.
func Lock(path string) (*FileLock, error) {
	return &FileLock{}, nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error { return nil }
