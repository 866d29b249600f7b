// Package vfs implements ShareBox's FUSE filesystem: POSIX callbacks against
// the local cache directory, backed by the sync engine and object store.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/sharebox/sharebox/internal/errs"
	syncengine "github.com/sharebox/sharebox/internal/sync"
	"github.com/sharebox/sharebox/internal/store"
	"github.com/sharebox/sharebox/pkg/utils"
)

// Config configures an FS instance.
type Config struct {
	CacheDir        string
	DownloadTimeout time.Duration
}

// MountOptions maps to the FUSE mount-time flags named in the external
// interfaces: foreground, allow_other, allow_root, default_permissions.
type MountOptions struct {
	AllowOther         bool
	AllowRoot          bool
	DefaultPermissions bool
	Foreground         bool
}

type openFile struct {
	path  string
	fd    int
	dirty bool
}

// FS implements fuse.FileSystemInterface against a cache directory, routing
// cache-miss reads and writes through the sync engine.
type FS struct {
	fuse.FileSystemBase

	cacheDir        string
	objectStore     store.ObjectStore
	engine          *syncengine.Engine
	downloadTimeout time.Duration
	logger          zerolog.Logger

	mu         sync.Mutex
	openFiles  map[uint64]*openFile
	nextHandle uint64
	host       *fuse.FileSystemHost
	mountPoint string
}

// New constructs an FS. engine must already be started.
func New(cfg Config, objectStore store.ObjectStore, engine *syncengine.Engine, logger zerolog.Logger) *FS {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	return &FS{
		cacheDir:        cfg.CacheDir,
		objectStore:     objectStore,
		engine:          engine,
		downloadTimeout: cfg.DownloadTimeout,
		openFiles:       make(map[uint64]*openFile),
		logger:          logger.With().Str("component", "vfs").Logger(),
	}
}

// Mount mounts the filesystem at mountPoint. It returns once the mount has
// either failed fast or appears to have established (cgofuse's Mount call
// blocks for the lifetime of the mount, so success is inferred from the
// absence of an early error within a short grace period — the same
// assumption the source filesystem host made).
func (fs *FS) Mount(mountPoint string, opts MountOptions) error {
	fs.mu.Lock()
	if fs.host != nil {
		fs.mu.Unlock()
		return fmt.Errorf("filesystem already mounted")
	}
	host := fuse.NewFileSystemHost(fs)
	fs.host = host
	fs.mountPoint = mountPoint
	fs.mu.Unlock()

	args := []string{"-o", "fsname=sharebox", "-o", "subtype=s3"}
	if opts.AllowOther {
		args = append(args, "-o", "allow_other")
	}
	if opts.AllowRoot {
		args = append(args, "-o", "allow_root")
	}
	if opts.DefaultPermissions {
		args = append(args, "-o", "default_permissions")
	}

	mountErr := make(chan error, 1)
	go func() {
		if !host.Mount(mountPoint, args) {
			mountErr <- fmt.Errorf("mount failed for %s", mountPoint)
			return
		}
		mountErr <- nil
	}()

	select {
	case err := <-mountErr:
		return err
	case <-time.After(200 * time.Millisecond):
		fs.logger.Info().Str("mount_point", mountPoint).Msg("filesystem mounted")
		return nil
	}
}

// Unmount unmounts the filesystem.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	host := fs.host
	fs.mu.Unlock()

	if host == nil {
		return fmt.Errorf("filesystem not mounted")
	}
	if !host.Unmount() {
		return fmt.Errorf("unmount failed")
	}

	fs.mu.Lock()
	fs.host = nil
	fs.mu.Unlock()
	return nil
}

// Getattr implements the root-synthesis and cache/remote fallback described
// for the getattr operation.
func (fs *FS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	if path == "/" {
		uid, gid, _ := fuse.Getcontext()
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		stat.Uid = uid
		stat.Gid = gid
		now := time.Now()
		setTimes(stat, now)
		return 0
	}

	cachePath := fs.toCachePath(path)
	if info, err := os.Lstat(cachePath); err == nil {
		fillStatFromFileInfo(stat, info)
		return 0
	}

	key := strings.TrimPrefix(path, "/")
	_, headErr := fs.objectStore.Head(context.Background(), key)
	if headErr == nil {
		if fs.engine.DownloadFile(path, fs.downloadTimeout) {
			if info, err := os.Lstat(cachePath); err == nil {
				fillStatFromFileInfo(stat, info)
				return 0
			}
		}
		stat.Mode = fuse.S_IFREG | 0644
		stat.Nlink = 1
		stat.Size = 0
		setTimes(stat, time.Now())
		return 0
	}
	if !errs.IsNotFound(headErr) {
		fs.logger.Error().Err(headErr).Str("path", path).Msg("getattr: object store error")
		return -fuse.EIO
	}

	return -fuse.ENOENT
}

// Readdir merges cache directory entries with a one-level remote listing.
func (fs *FS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)
	seen := map[string]bool{".": true, "..": true}

	cachePath := fs.toCachePath(path)
	if entries, err := os.ReadDir(cachePath); err == nil {
		for _, entry := range entries {
			if seen[entry.Name()] {
				continue
			}
			seen[entry.Name()] = true
			if !fill(entry.Name(), nil, 0) {
				return 0
			}
		}
	}

	prefix := strings.TrimPrefix(path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	objects, err := fs.objectStore.List(context.Background(), prefix)
	if err != nil {
		if len(seen) <= 2 {
			fs.logger.Error().Err(err).Str("path", path).Msg("readdir: object store error")
			return -fuse.EIO
		}
		return 0
	}
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.Contains(rel, "/") {
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		if !fill(rel, nil, 0) {
			return 0
		}
	}
	return 0
}

// Open downloads a missing cache file synchronously (bounded by timeout)
// before opening; write-intent opens on a still-missing file create it.
func (fs *FS) Open(path string, flags int) (int, uint64) {
	cachePath := fs.toCachePath(path)

	if !fileExists(cachePath) {
		if !fs.engine.DownloadFile(path, fs.downloadTimeout) {
			if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_CREAT) != 0 {
				if err := os.MkdirAll(filepath.Dir(cachePath), 0750); err != nil {
					return -fuse.EIO, 0
				}
				fd, err := syscall.Open(cachePath, syscall.O_WRONLY|syscall.O_CREAT, 0644)
				if err != nil {
					return -fuse.EIO, 0
				}
				return 0, fs.allocHandle(path, fd, false)
			}
			return -fuse.ENOENT, 0
		}
	}

	fd, err := syscall.Open(cachePath, flags, 0644)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return -fuse.ENOENT, 0
		}
		return -fuse.EIO, 0
	}
	return 0, fs.allocHandle(path, fd, false)
}

// Create ensures the parent cache directory exists, then opens a new
// truncated file for write.
func (fs *FS) Create(path string, flags int, mode uint32) (int, uint64) {
	cachePath := fs.toCachePath(path)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0750); err != nil {
		return -fuse.EIO, 0
	}
	fd, err := syscall.Open(cachePath, syscall.O_WRONLY|syscall.O_CREAT|syscall.O_TRUNC, mode)
	if err != nil {
		return -fuse.EIO, 0
	}
	return 0, fs.allocHandle(path, fd, true)
}

// Read seeks and reads against the open handle's fd, falling back to a
// direct read-only reopen of the cache path if fh is unknown.
func (fs *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	fs.mu.Lock()
	of, ok := fs.openFiles[fh]
	fs.mu.Unlock()

	if ok {
		if _, err := syscall.Seek(of.fd, ofst, 0); err != nil {
			return -fuse.EIO
		}
		n, err := syscall.Read(of.fd, buff)
		if err != nil {
			return -fuse.EIO
		}
		return n
	}

	f, err := os.Open(fs.toCachePath(path))
	if err != nil {
		return -fuse.EIO
	}
	defer func() { _ = f.Close() }()
	n, err := f.ReadAt(buff, ofst)
	if err != nil && n == 0 {
		return -fuse.EIO
	}
	return n
}

// Write requires a known handle; ENOSPC is surfaced, all other OS errors
// become EIO.
func (fs *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	fs.mu.Lock()
	of, ok := fs.openFiles[fh]
	fs.mu.Unlock()
	if !ok {
		return -fuse.EBADF
	}

	if _, err := syscall.Seek(of.fd, ofst, 0); err != nil {
		return translateIOErr(err)
	}
	n, err := syscall.Write(of.fd, buff)
	if err != nil {
		return translateIOErr(err)
	}

	fs.mu.Lock()
	of.dirty = true
	fs.mu.Unlock()
	return n
}

// Flush fsyncs the handle and enqueues a background upload if dirty. Errors
// are logged, never surfaced — a flush failure must not break an
// application's close() call.
func (fs *FS) Flush(path string, fh uint64) int {
	fs.mu.Lock()
	of, ok := fs.openFiles[fh]
	fs.mu.Unlock()
	if !ok {
		return 0
	}

	if err := syscall.Fsync(of.fd); err != nil {
		fs.logger.Warn().Err(err).Str("path", path).Msg("fsync failed on flush")
	}

	fs.mu.Lock()
	dirty := of.dirty
	of.dirty = false
	fs.mu.Unlock()

	if dirty {
		fs.engine.QueueUpload(path, 1)
	}
	return 0
}

// Release fsyncs (if dirty), enqueues a final upload, closes the fd, and
// drops the handle. Like Flush, errors never propagate to the kernel.
func (fs *FS) Release(path string, fh uint64) int {
	fs.mu.Lock()
	of, ok := fs.openFiles[fh]
	delete(fs.openFiles, fh)
	fs.mu.Unlock()
	if !ok {
		return 0
	}

	if of.dirty {
		if err := syscall.Fsync(of.fd); err != nil {
			fs.logger.Warn().Err(err).Str("path", path).Msg("fsync failed on release")
		}
		fs.engine.QueueUpload(path, 1)
	}
	if err := syscall.Close(of.fd); err != nil {
		fs.logger.Warn().Err(err).Str("path", path).Msg("close failed on release")
	}
	return 0
}

// Unlink removes the cache file (if present) and enqueues a remote delete.
func (fs *FS) Unlink(path string) int {
	if err := os.Remove(fs.toCachePath(path)); err != nil && !os.IsNotExist(err) {
		fs.logger.Warn().Err(err).Str("path", path).Msg("failed to remove cache file on unlink")
	}
	fs.engine.QueueDelete(path, 1)
	return 0
}

// Mkdir creates the directory in the cache only; directories have no
// remote representation.
func (fs *FS) Mkdir(path string, mode uint32) int {
	if err := os.MkdirAll(fs.toCachePath(path), os.FileMode(mode)); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Rmdir removes the cache directory and best-effort enqueues deletes for
// every remote object under the prefix.
func (fs *FS) Rmdir(path string) int {
	if err := os.Remove(fs.toCachePath(path)); err != nil && !os.IsNotExist(err) {
		return -fuse.EIO
	}

	prefix := strings.TrimPrefix(path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	objects, err := fs.objectStore.List(context.Background(), prefix)
	if err != nil {
		fs.logger.Warn().Err(err).Str("path", path).Msg("rmdir: failed to list remote objects for cleanup")
		return 0
	}
	for _, obj := range objects {
		fs.engine.QueueDelete("/"+obj.Key, 1)
	}
	return 0
}

// Rename is not atomic across the cache/remote boundary: it renames the
// cache entry, then enqueues a delete of the old path and an upload of the
// new one.
func (fs *FS) Rename(oldpath string, newpath string) int {
	oldCache := fs.toCachePath(oldpath)
	newCache := fs.toCachePath(newpath)

	if err := os.MkdirAll(filepath.Dir(newCache), 0750); err != nil {
		return -fuse.EIO
	}
	if _, err := os.Stat(oldCache); err == nil {
		if err := os.Rename(oldCache, newCache); err != nil {
			return -fuse.EIO
		}
	}

	fs.engine.QueueDelete(oldpath, 1)
	fs.engine.QueueUpload(newpath, 2)
	return 0
}

// Chmod, Chown, and Utimens apply to the cache file only; none of them are
// reflected remotely.
func (fs *FS) Chmod(path string, mode uint32) int {
	if err := os.Chmod(fs.toCachePath(path), os.FileMode(mode)); err != nil && !os.IsNotExist(err) {
		return -fuse.EIO
	}
	return 0
}

func (fs *FS) Chown(path string, uid uint32, gid uint32) int {
	if err := os.Chown(fs.toCachePath(path), int(uid), int(gid)); err != nil && !os.IsNotExist(err) {
		return -fuse.EIO
	}
	return 0
}

func (fs *FS) Utimens(path string, tmsp []fuse.Timespec) int {
	now := time.Now()
	atime, mtime := now, now
	if len(tmsp) >= 2 {
		atime = time.Unix(tmsp[0].Sec, tmsp[0].Nsec)
		mtime = time.Unix(tmsp[1].Sec, tmsp[1].Nsec)
	}
	if err := os.Chtimes(fs.toCachePath(path), atime, mtime); err != nil && !os.IsNotExist(err) {
		return -fuse.EIO
	}
	return 0
}

func (fs *FS) allocHandle(path string, fd int, dirty bool) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextHandle++
	fh := fs.nextHandle
	fs.openFiles[fh] = &openFile{path: path, fd: fd, dirty: dirty}
	return fh
}

func (fs *FS) toCachePath(vpath string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(vpath, "/"))
	if safe, err := utils.SecureJoin(fs.cacheDir, rel); err == nil {
		return safe
	}
	return filepath.Join(fs.cacheDir, rel)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func translateIOErr(err error) int {
	if errors.Is(err, syscall.ENOSPC) {
		return -fuse.ENOSPC
	}
	return -fuse.EIO
}

func fillStatFromFileInfo(stat *fuse.Stat_t, info os.FileInfo) {
	if info.IsDir() {
		stat.Mode = fuse.S_IFDIR | uint32(info.Mode().Perm())
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | uint32(info.Mode().Perm())
		stat.Nlink = 1
	}
	stat.Size = info.Size()
	setTimes(stat, info.ModTime())
}

func setTimes(stat *fuse.Stat_t, t time.Time) {
	stat.Mtim.Sec = t.Unix()
	stat.Mtim.Nsec = int64(t.Nanosecond())
	stat.Atim = stat.Mtim
	stat.Ctim = stat.Mtim
}
