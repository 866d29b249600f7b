package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/sharebox/sharebox/internal/errs"
	"github.com/sharebox/sharebox/internal/metastore"
	syncengine "github.com/sharebox/sharebox/internal/sync"
	"github.com/sharebox/sharebox/internal/store"
)

// fakeStore is a minimal in-memory store.ObjectStore for exercising vfs
// operations without a real S3-compatible backend.
type fakeStore struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	modified map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		modified: make(map[string]time.Time),
	}
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, metadata map[string]string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = cp
	f.metadata[key] = metadata
	f.modified[key] = time.Now()
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errs.StoreError(errs.CodeStoreNotFound, "Get", key, nil)
	}
	return data, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	delete(f.metadata, key)
	delete(f.modified, key)
	return nil
}

func (f *fakeStore) Head(_ context.Context, key string) (*store.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, errs.StoreError(errs.CodeStoreNotFound, "Head", key, nil)
	}
	return &store.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: f.modified[key], Metadata: f.metadata[key]}, nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]store.ObjectInfo, error) {
	var out []store.ObjectInfo
	for k, v := range f.objects {
		if prefix != "" && len(k) < len(prefix) {
			continue
		}
		out = append(out, store.ObjectInfo{Key: k, Size: int64(len(v)), LastModified: f.modified[k], Metadata: f.metadata[k]})
	}
	return out, nil
}

func (f *fakeStore) HealthCheck(_ context.Context) error { return nil }

func newTestFS(t *testing.T) (*FS, *fakeStore, string) {
	t.Helper()
	dir := t.TempDir()
	fstore := newFakeStore()
	meta := metastore.New(dir, zerolog.Nop())
	if err := meta.Load(); err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	cfg := syncengine.Config{CacheDir: dir, Device: "test", MaxFileSize: 1 << 20, SyncInterval: time.Hour}
	engine := syncengine.New(cfg, fstore, meta, nil, zerolog.Nop())
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Stop() })

	fs := New(Config{CacheDir: dir, DownloadTimeout: time.Second}, fstore, engine, zerolog.Nop())
	return fs, fstore, dir
}

func TestCreateWriteFlushUploads(t *testing.T) {
	fs, fstore, _ := newTestFS(t)

	errc, fh := fs.Create("/doc.txt", 0, 0644)
	if errc != 0 {
		t.Fatalf("create failed: %d", errc)
	}

	n := fs.Write("/doc.txt", []byte("hello"), 0, fh)
	if n != 5 {
		t.Fatalf("write returned %d, want 5", n)
	}

	if errc := fs.Flush("/doc.txt", fh); errc != 0 {
		t.Fatalf("flush returned %d, want 0", errc)
	}
	if errc := fs.Release("/doc.txt", fh); errc != 0 {
		t.Fatalf("release returned %d, want 0", errc)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := fstore.objects["doc.txt"]; ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	data, ok := fstore.objects["doc.txt"]
	if !ok {
		t.Fatal("expected background upload to reach the store")
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected remote content: %q", data)
	}
}

func TestGetattrRoot(t *testing.T) {
	fs, _, _ := newTestFS(t)
	var stat fuse.Stat_t
	if errc := fs.Getattr("/", &stat, 0); errc != 0 {
		t.Fatalf("getattr / returned %d", errc)
	}
	if stat.Mode&fuse.S_IFDIR == 0 {
		t.Fatalf("expected root to be a directory, mode=%o", stat.Mode)
	}
}

func TestGetattrMissingReturnsENOENT(t *testing.T) {
	fs, _, _ := newTestFS(t)
	var stat fuse.Stat_t
	if errc := fs.Getattr("/nope.txt", &stat, 0); errc != -fuse.ENOENT {
		t.Fatalf("expected ENOENT, got %d", errc)
	}
}

func TestGetattrDownloadsFromRemote(t *testing.T) {
	fs, fstore, dir := newTestFS(t)
	if err := fstore.Put(context.Background(), "remote.txt", []byte("data"), map[string]string{store.MetaEncrypted: "false"}); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	var stat fuse.Stat_t
	if errc := fs.Getattr("/remote.txt", &stat, 0); errc != 0 {
		t.Fatalf("getattr returned %d", errc)
	}
	if stat.Size != 4 {
		t.Fatalf("expected size 4, got %d", stat.Size)
	}
	if _, err := os.Stat(filepath.Join(dir, "remote.txt")); err != nil {
		t.Fatalf("expected cache file to be populated by getattr fallback: %v", err)
	}
}

func TestUnlinkRemovesCacheAndQueuesDelete(t *testing.T) {
	fs, fstore, dir := newTestFS(t)
	if err := fstore.Put(context.Background(), "bye.txt", []byte("x"), nil); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	path := filepath.Join(dir, "bye.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	if errc := fs.Unlink("/bye.txt"); errc != 0 {
		t.Fatalf("unlink returned %d", errc)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected cache file to be removed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := fstore.objects["bye.txt"]; !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := fstore.objects["bye.txt"]; ok {
		t.Fatal("expected the queued delete to remove the remote object")
	}
}

func TestMkdirRmdir(t *testing.T) {
	fs, _, dir := newTestFS(t)

	if errc := fs.Mkdir("/sub", 0755); errc != 0 {
		t.Fatalf("mkdir returned %d", errc)
	}
	if info, err := os.Stat(filepath.Join(dir, "sub")); err != nil || !info.IsDir() {
		t.Fatalf("expected cache directory to exist: %v", err)
	}
	if errc := fs.Rmdir("/sub"); errc != 0 {
		t.Fatalf("rmdir returned %d", errc)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub")); !os.IsNotExist(err) {
		t.Fatal("expected cache directory to be removed")
	}
}

func TestRenameMovesCacheFile(t *testing.T) {
	fs, _, dir := newTestFS(t)
	oldPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(oldPath, []byte("content"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	if errc := fs.Rename("/old.txt", "/new.txt"); errc != 0 {
		t.Fatalf("rename returned %d", errc)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatal("expected old cache path to be gone")
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); err != nil {
		t.Fatalf("expected new cache path to exist: %v", err)
	}
}

func TestReaddirMergesCacheAndRemote(t *testing.T) {
	fs, fstore, dir := newTestFS(t)
	if err := os.WriteFile(filepath.Join(dir, "local.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}
	if err := fstore.Put(context.Background(), "remote-only.txt", []byte("y"), nil); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	var names []string
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		names = append(names, name)
		return true
	}
	if errc := fs.Readdir("/", fill, 0, 0); errc != 0 {
		t.Fatalf("readdir returned %d", errc)
	}

	want := map[string]bool{".": true, "..": true, "local.txt": true, "remote-only.txt": true}
	if len(names) != len(want) {
		t.Fatalf("got entries %v, want %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected entry %q", n)
		}
	}
}

func TestWriteUnknownHandleReturnsEBADF(t *testing.T) {
	fs, _, _ := newTestFS(t)
	if errc := fs.Write("/whatever.txt", []byte("x"), 0, 9999); errc != -fuse.EBADF {
		t.Fatalf("expected EBADF, got %d", errc)
	}
}
