package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
)

// tmpPrefix marks in-flight uploads; such files are invisible to readers.
const tmpPrefix = ".s3gate-tmp-"

// LocalFS implements ObjectStore on a single local directory.
type LocalFS struct {
	base string // absolute base directory
	obs  Observer
}

// NewLocalFS creates a LocalFS rooted at the first non-empty dir from dirs.
func NewLocalFS(dirs []string) (*LocalFS, error) {
	var base string
	for _, d := range dirs {
		if d != "" {
			base = d
			break
		}
	}
	if base == "" {
		return nil, errors.New("storage: no data directory configured")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, "objects"), 0o700); err != nil {
		return nil, err
	}
	return &LocalFS{base: abs}, nil
}

// SetObserver installs o to receive operation timings.
func (l *LocalFS) SetObserver(o Observer) { l.obs = o }

func (l *LocalFS) observe(op string, n int64, err error, start time.Time) {
	if l.obs != nil {
		l.obs.Observe(op, n, err, time.Since(start))
	}
}

// Put streams r into a temporary file and renames it into place once r is
// exhausted, so a failed upload never replaces the previous object.
func (l *LocalFS) Put(ctx context.Context, bucket, key string, r io.Reader) (etag string, n int64, err error) {
	start := time.Now()
	defer func() { l.observe("put", n, err, start) }()

	path, err := l.objectPath(bucket, key)
	if err != nil {
		return "", 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", 0, err
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return "", 0, err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	h := md5.New()
	n, err = io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return "", n, err
	}
	if err = ctx.Err(); err != nil {
		return "", n, err
	}
	if err = f.Sync(); err != nil {
		return "", n, err
	}
	if err = f.Close(); err != nil {
		return "", n, err
	}
	if err = os.Rename(tmp, path); err != nil {
		return "", n, err
	}
	_ = syncDir(dir)
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (l *LocalFS) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, time.Time, error) {
	start := time.Now()
	path, err := l.objectPath(bucket, key)
	if err != nil {
		return nil, 0, "", time.Time{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		l.observe("get", 0, err, start)
		return nil, 0, "", time.Time{}, err
	}
	etag, err := md5File(path)
	if err != nil {
		l.observe("get", 0, err, start)
		return nil, 0, "", time.Time{}, err
	}
	f, err := os.Open(path)
	l.observe("get", st.Size(), err, start)
	if err != nil {
		return nil, 0, "", time.Time{}, err
	}
	return f, st.Size(), etag, st.ModTime().UTC(), nil
}

func (l *LocalFS) Head(ctx context.Context, bucket, key string) (int64, string, time.Time, error) {
	path, err := l.objectPath(bucket, key)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	if !st.Mode().IsRegular() {
		return 0, "", time.Time{}, os.ErrNotExist
	}
	etag, err := md5File(path)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	return st.Size(), etag, st.ModTime().UTC(), nil
}

func (l *LocalFS) Delete(ctx context.Context, bucket, key string) (err error) {
	start := time.Now()
	defer func() { l.observe("delete", 0, err, start) }()

	path, err := l.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.ErrNotExist
		}
		return err
	}
	// best-effort: remove empty parent dirs
	_ = removeEmptyParents(filepath.Dir(path), l.bucketDir(bucket))
	return nil
}

// List returns objects under prefix in key order, after startAfter. With a
// delimiter, keys sharing the next path segment are rolled up into common
// prefixes. The bool result reports truncation at maxKeys.
func (l *LocalFS) List(ctx context.Context, bucket, prefix, startAfter, delimiter string, maxKeys int) ([]ObjectMeta, []string, bool, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	bdir := l.bucketDir(bucket)
	var all []ObjectMeta
	err := filepath.WalkDir(bdir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(bdir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) || key <= startAfter {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		all = append(all, ObjectMeta{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	var (
		objs     []ObjectMeta
		prefixes []string
		seen     = map[string]bool{}
	)
	for _, o := range all {
		if len(objs)+len(prefixes) >= maxKeys {
			return objs, prefixes, true, nil
		}
		if delimiter != "" {
			rest := o.Key[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					prefixes = append(prefixes, cp)
				}
				continue
			}
		}
		etag, err := md5File(filepath.Join(bdir, filepath.FromSlash(o.Key)))
		if err != nil {
			return nil, nil, false, err
		}
		o.ETag = etag
		objs = append(objs, o)
	}
	return objs, prefixes, false, nil
}

func (l *LocalFS) IsBucketEmpty(ctx context.Context, bucket string) (bool, error) {
	empty := true
	err := filepath.WalkDir(l.bucketDir(bucket), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && !strings.HasPrefix(d.Name(), tmpPrefix) {
			empty = false
			return fs.SkipAll
		}
		return nil
	})
	return empty, err
}

func (l *LocalFS) RemoveBucket(ctx context.Context, bucket string) error {
	empty, err := l.IsBucketEmpty(ctx, bucket)
	if err != nil {
		return err
	}
	if !empty {
		return ErrBucketNotEmpty
	}
	return os.RemoveAll(l.bucketDir(bucket))
}

func (l *LocalFS) bucketDir(bucket string) string {
	return filepath.Join(l.base, "objects", bucket)
}

func removeEmptyParents(dir, stop string) error {
	for {
		if dir == stop || dir == "/" || dir == "." || dir == "" {
			return nil
		}
		e, err := os.ReadDir(dir)
		if err != nil || len(e) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return nil
		}
		dir = filepath.Dir(dir)
	}
}

func (l *LocalFS) objectPath(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidPath, bucket)
	}
	cleanKey := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if cleanKey == "" || strings.HasPrefix(filepath.Base(cleanKey), tmpPrefix) {
		return "", fmt.Errorf("%w: key %q", ErrInvalidPath, key)
	}
	bdir := l.bucketDir(bucket)
	p := filepath.Join(bdir, cleanKey)
	if !strings.HasPrefix(p, bdir+string(os.PathSeparator)) {
		return "", ErrInvalidPath
	}
	return p, nil
}

// syncDir fsyncs dir so a rename into it survives a crash. Filesystems
// that reject directory sync (tmpfs returns EINVAL) are tolerated.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	df, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer df.Close()
	if err := df.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
