package sync

import (
	"container/heap"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sharebox/sharebox/internal/errs"
	"github.com/sharebox/sharebox/internal/metastore"
	"github.com/sharebox/sharebox/internal/store"
)

// fakeStore is an in-memory store.ObjectStore for testing the sync engine
// without a real S3-compatible backend.
type fakeStore struct {
	mu       sync.Mutex
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
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.objects[key] = cp
	f.metadata[key] = metadata
	f.modified[key] = time.Now()
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errs.StoreError(errs.CodeStoreNotFound, "Get", key, nil)
	}
	return data, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	delete(f.metadata, key)
	delete(f.modified, key)
	return nil
}

func (f *fakeStore) Head(_ context.Context, key string) (*store.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errs.StoreError(errs.CodeStoreNotFound, "Head", key, nil)
	}
	return &store.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		LastModified: f.modified[key],
		Metadata:     f.metadata[key],
	}, nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]store.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ObjectInfo
	for k, v := range f.objects {
		if prefix != "" && len(k) < len(prefix) {
			continue
		}
		out = append(out, store.ObjectInfo{
			Key:          k,
			Size:         int64(len(v)),
			LastModified: f.modified[k],
			Metadata:     f.metadata[k],
		})
	}
	return out, nil
}

func (f *fakeStore) HealthCheck(_ context.Context) error { return nil }

func newTestEngine(t *testing.T, fs *fakeStore) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	meta := metastore.New(dir, zerolog.Nop())
	if err := meta.Load(); err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	cfg := Config{
		CacheDir:         dir,
		Device:           "test-device",
		MaxFileSize:      1024,
		ExcludedPatterns: []string{"*.tmp", ".DS_Store"},
		SyncInterval:     time.Hour,
	}
	e := New(cfg, fs, meta, nil, zerolog.Nop())
	e.ctx = context.Background()
	return e, dir
}

func TestUploadFile_BasicRoundTrip(t *testing.T) {
	fs := newFakeStore()
	e, dir := newTestEngine(t, fs)

	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	if ok := e.UploadFile("/hello.txt"); !ok {
		t.Fatal("expected upload to succeed")
	}

	data, err := fs.Get(context.Background(), "hello.txt")
	if err != nil {
		t.Fatalf("expected object to exist remotely: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected remote content: %q", data)
	}

	rec, ok := e.meta.Get("/hello.txt")
	if !ok || rec.UploadedAt == 0 {
		t.Fatalf("expected metadata record with uploaded_at set, got %+v (ok=%v)", rec, ok)
	}
}

func TestUploadFile_DedupSkipsUnchanged(t *testing.T) {
	fs := newFakeStore()
	e, dir := newTestEngine(t, fs)

	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("same content"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	if ok := e.UploadFile("/a.txt"); !ok {
		t.Fatal("expected first upload to succeed")
	}
	firstPut := len(fs.objects)

	// Mutate the remote store directly to prove the second upload is a no-op.
	fs.mu.Lock()
	fs.objects["a.txt"] = []byte("tampered")
	fs.mu.Unlock()

	if ok := e.UploadFile("/a.txt"); !ok {
		t.Fatal("expected deduped upload to report success")
	}
	if len(fs.objects) != firstPut {
		t.Fatalf("expected object count unchanged, got %d", len(fs.objects))
	}
	if string(fs.objects["a.txt"]) != "tampered" {
		t.Fatal("expected dedup to skip re-upload, remote content should remain tampered")
	}
}

func TestUploadFile_TooLarge(t *testing.T) {
	fs := newFakeStore()
	e, dir := newTestEngine(t, fs)

	big := make([]byte, 2048)
	path := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(path, big, 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	if ok := e.UploadFile("/big.bin"); ok {
		t.Fatal("expected oversized upload to fail")
	}
	if _, ok := fs.objects["big.bin"]; ok {
		t.Fatal("oversized file should never reach the store")
	}
}

func TestUploadFile_MissingCacheFile(t *testing.T) {
	fs := newFakeStore()
	e, _ := newTestEngine(t, fs)

	if ok := e.UploadFile("/missing.txt"); ok {
		t.Fatal("expected upload of absent cache file to fail")
	}
}

func TestDownloadFile_WritesCacheFileAndMetadata(t *testing.T) {
	fs := newFakeStore()
	e, dir := newTestEngine(t, fs)

	if err := fs.Put(context.Background(), "remote.txt", []byte("payload"), map[string]string{
		store.MetaEncrypted: "false",
	}); err != nil {
		t.Fatalf("seed remote object: %v", err)
	}

	if ok := e.DownloadFile("/remote.txt", time.Second); !ok {
		t.Fatal("expected download to succeed")
	}

	data, err := os.ReadFile(filepath.Join(dir, "remote.txt"))
	if err != nil {
		t.Fatalf("expected cache file to exist: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected cache file content: %q", data)
	}

	rec, ok := e.meta.Get("/remote.txt")
	if !ok || rec.DownloadedAt == 0 {
		t.Fatalf("expected metadata record with downloaded_at set, got %+v (ok=%v)", rec, ok)
	}
}

func TestDownloadFile_NotFoundReturnsFalse(t *testing.T) {
	fs := newFakeStore()
	e, _ := newTestEngine(t, fs)

	if ok := e.DownloadFile("/nope.txt", time.Second); ok {
		t.Fatal("expected download of missing remote object to fail")
	}
}

func TestDeleteFile(t *testing.T) {
	fs := newFakeStore()
	e, _ := newTestEngine(t, fs)

	if err := fs.Put(context.Background(), "gone.txt", []byte("x"), nil); err != nil {
		t.Fatalf("seed remote object: %v", err)
	}
	e.meta.Set("/gone.txt", metastore.Record{ContentHash: "h"})

	if ok := e.deleteFile("/gone.txt"); !ok {
		t.Fatal("expected delete to succeed")
	}
	if _, err := fs.Get(context.Background(), "gone.txt"); err == nil {
		t.Fatal("expected remote object to be gone")
	}
	if _, ok := e.meta.Get("/gone.txt"); ok {
		t.Fatal("expected metadata record to be dropped")
	}
}

func TestQueueUpload_ExcludedPatternDropped(t *testing.T) {
	fs := newFakeStore()
	e, dir := newTestEngine(t, fs)

	path := filepath.Join(dir, "scratch.tmp")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	e.QueueUpload(path, 2)
	if e.QueueSize() != 0 {
		t.Fatalf("expected excluded file to be dropped at enqueue, queue size = %d", e.QueueSize())
	}
}

func TestQueueInitialSync_FillsMissingOnly(t *testing.T) {
	fs := newFakeStore()
	e, dir := newTestEngine(t, fs)

	if err := fs.Put(context.Background(), "present.txt", []byte("x"), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := fs.Put(context.Background(), "missing.txt", []byte("y"), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "present.txt"), []byte("already here"), 0644); err != nil {
		t.Fatalf("write cache file: %v", err)
	}

	e.queueInitialSync()

	op, ok := e.dequeue(100 * time.Millisecond)
	if !ok {
		t.Fatal("expected one queued download")
	}
	if op.Path != "/missing.txt" || op.Kind != OpDownload || op.Priority != 0 {
		t.Fatalf("unexpected operation: %+v", op)
	}
	if _, ok := e.dequeue(100 * time.Millisecond); ok {
		t.Fatal("expected no further operations (present.txt already cached)")
	}
}

func TestForceSync_DrainsQueueWithinTimeout(t *testing.T) {
	fs := newFakeStore()
	e, _ := newTestEngine(t, fs)

	if err := fs.Put(context.Background(), "missing.txt", []byte("y"), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer e.Stop()

	if err := e.ForceSync(ctx, 2*time.Second); err != nil {
		t.Fatalf("ForceSync() error = %v", err)
	}
	if e.QueueSize() != 0 {
		t.Fatalf("expected queue to be drained, got size %d", e.QueueSize())
	}
}

func TestPriorityQueueOrdering(t *testing.T) {
	var pq priorityQueue
	heap.Init(&pq)

	heap.Push(&pq, &Operation{Kind: OpUpload, Path: "/low", Priority: 1, seq: 1})
	heap.Push(&pq, &Operation{Kind: OpUpload, Path: "/high", Priority: 2, seq: 2})
	heap.Push(&pq, &Operation{Kind: OpDownload, Path: "/initial", Priority: 0, seq: 3})
	heap.Push(&pq, &Operation{Kind: OpUpload, Path: "/low-later", Priority: 1, seq: 4})

	var order []string
	for pq.Len() > 0 {
		op := heap.Pop(&pq).(*Operation)
		order = append(order, op.Path)
	}

	want := []string{"/high", "/low", "/low-later", "/initial"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestShouldExclude(t *testing.T) {
	fs := newFakeStore()
	e, _ := newTestEngine(t, fs)

	if !e.shouldExclude("/a/b/thing.tmp") {
		t.Fatal("expected *.tmp to match")
	}
	if !e.shouldExclude("/.DS_Store") {
		t.Fatal("expected .DS_Store to match")
	}
	if e.shouldExclude("/keep.txt") {
		t.Fatal("expected keep.txt not to match")
	}
}
