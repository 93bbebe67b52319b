package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tmpPrefix marks in-flight writes; List skips them.
const tmpPrefix = ".put-"

// Local stores objects on the local filesystem. Each bucket is a directory
// directly under root and each key a file inside it.
//
// Cross-platform notes:
//   - Uses filepath (not path) throughout so the OS separator is always correct.
//   - File permission bits (0o750 / 0o640) are silently ignored on Windows.
//   - os.Rename is used for atomic writes. On Windows it calls MoveFileExW with
//     MOVEFILE_REPLACE_EXISTING, which is safe on the same volume.
type Local struct {
	root       string
	compressor *Compressor
}

// LocalOption configures a Local backend.
type LocalOption func(*Local)

// WithCompression enables zstd compression of objects at rest.
func WithCompression(level int) LocalOption {
	return func(l *Local) { l.compressor = NewCompressor(level, true) }
}

// NewLocal creates a Local backend rooted at root, creating the directory if needed.
func NewLocal(root string, opts ...LocalOption) (*Local, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root %q: %w", root, err)
	}
	// Resolve to an absolute path so all subsequent filepath.Rel checks are stable.
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	l := &Local{root: absRoot, compressor: NewCompressor(0, false)}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Root returns the absolute storage root.
func (l *Local) Root() string { return l.root }

// EnsureBucket creates the bucket directory.
func (l *Local) EnsureBucket(_ context.Context, bucket string) error {
	dir, err := l.bucketDir(bucket)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o750)
}

func (l *Local) bucketDir(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return filepath.Join(l.root, bucket), nil
}

// abs resolves bucket and key to a concrete filesystem path.
//
// filepath.Rel verifies the result still lives under the bucket directory,
// so keys such as "../other/x" or "a/../../x" are rejected.
func (l *Local) abs(bucket, key string) (string, error) {
	dir, err := l.bucketDir(bucket)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.New("empty object key")
	}
	joined := filepath.Join(dir, filepath.Clean(filepath.FromSlash(key)))
	rel, err := filepath.Rel(dir, joined)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("key %q escapes bucket %q", key, bucket)
	}
	return joined, nil
}

// Exists reports whether key is stored in bucket.
func (l *Local) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	abs, err := l.abs(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, pathless(err)
	}
	return !info.IsDir(), nil
}

// Put streams r to key using a temp file and an atomic rename.
// The ETag is the hex SHA-256 of the caller's bytes, computed while streaming.
func (l *Local) Put(ctx context.Context, bucket, key string, r io.Reader, _ int64) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	dest, err := l.abs(bucket, key)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return PutResult{}, fmt.Errorf("mkdir %s/%s: %w", bucket, key, pathless(err))
	}

	f, err := os.CreateTemp(filepath.Dir(dest), tmpPrefix+"*")
	if err != nil {
		return PutResult{}, fmt.Errorf("create tmp: %w", pathless(err))
	}
	tmp := f.Name()

	hasher := sha256.New()
	n, werr := l.writeObject(f, io.TeeReader(r, hasher))
	cerr := f.Close()

	if werr != nil {
		os.Remove(tmp) //nolint:errcheck
		return PutResult{}, fmt.Errorf("stream write: %w", pathless(werr))
	}
	if cerr != nil {
		os.Remove(tmp) //nolint:errcheck
		return PutResult{}, fmt.Errorf("flush: %w", pathless(cerr))
	}
	if err := os.Chmod(tmp, 0o640); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return PutResult{}, fmt.Errorf("chmod: %w", pathless(err))
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return PutResult{}, fmt.Errorf("rename to %s/%s: %w", bucket, key, pathless(err))
	}
	return PutResult{ETag: hex.EncodeToString(hasher.Sum(nil)), Size: n}, nil
}

func (l *Local) writeObject(f *os.File, r io.Reader) (int64, error) {
	w, err := l.compressor.Writer(f)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 512*1024)
	n, err := io.CopyBuffer(w, r, buf)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Get opens key for sequential reading. Caller must close the returned ReadCloser.
// ObjectInfo.Size is the caller's byte count, or -1 when the object is stored
// compressed.
func (l *Local) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	abs, err := l.abs(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, ObjectInfo{}, pathless(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}

	rd, enc, closeFn, err := l.compressor.Reader(f)
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("open decoder %s/%s: %w", bucket, key, err)
	}
	oi := ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}
	switch enc {
	case plainEncoding:
		oi.Size -= headerSize
	case zstdEncoding:
		oi.Size = -1
	}
	return &objectReader{Reader: rd, file: f, release: closeFn}, oi, nil
}

type objectReader struct {
	io.Reader
	file    *os.File
	release func()
}

func (o *objectReader) Close() error {
	o.release()
	return o.file.Close()
}

// Remove deletes key. Silently succeeds on ENOENT.
func (l *Local) Remove(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.abs(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s/%s: %w", bucket, key, pathless(err))
	}
	return nil
}

// List walks the bucket and returns every stored object. Keys use forward
// slashes; sizes are as stored on disk.
func (l *Local) List(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	dir, err := l.bucketDir(bucket)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bucket %q: %w", bucket, err)
	}
	return out, nil
}

// Ping checks that the storage root is still accessible.
func (l *Local) Ping(_ context.Context) error {
	if _, err := os.Stat(l.root); err != nil {
		return fmt.Errorf("storage root: %w", err)
	}
	return nil
}

// DiskStats returns available and total bytes on the volume holding root.
// (0, 0) means the platform cannot report it.
func (l *Local) DiskStats() (avail, total uint64) {
	return diskStats(l.root)
}

// pathless drops the absolute filesystem path from os errors so they can be
// reported to clients without exposing the storage root.
func pathless(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %w", pe.Op, pe.Err)
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return fmt.Errorf("%s: %w", le.Op, le.Err)
	}
	return err
}
