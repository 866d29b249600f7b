// Package sync implements ShareBox's bidirectional sync engine: a single
// worker draining a priority queue of upload/download/delete operations,
// fed by a local directory watcher and a periodic remote poller.
package sync

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sharebox/sharebox/internal/crypto"
	"github.com/sharebox/sharebox/internal/errs"
	"github.com/sharebox/sharebox/internal/metastore"
	"github.com/sharebox/sharebox/internal/store"
	"github.com/sharebox/sharebox/pkg/utils"
)

const dequeuePollInterval = 50 * time.Millisecond

// Config configures a sync Engine.
type Config struct {
	CacheDir         string
	Device           string
	MaxFileSize      int64
	ExcludedPatterns []string
	SyncInterval     time.Duration
}

// Status is a snapshot of the sync engine's current state, for the health
// package's /healthz and /metrics endpoints (via cmd/sharebox's statusAdapter).
type Status struct {
	Running      bool
	QueueSize    int
	FilesTracked int
	CacheDir     string
	LastSync     int64
}

// Engine drains a priority queue of SyncOperations against an ObjectStore,
// serializing all dispatch (queue-driven or synchronous) under one mutex.
type Engine struct {
	objectStore store.ObjectStore
	crypto      *crypto.Manager
	meta        *metastore.Store

	cacheDir         string
	device           string
	maxFileSize      int64
	excludedPatterns []string
	syncInterval     time.Duration

	queueMu sync.Mutex
	queue   priorityQueue
	seq     int64
	wakeup  chan struct{}

	dispatchMu sync.Mutex // the sync-engine's own lock; serializes dispatch

	watcher *fsnotify.Watcher
	logger  zerolog.Logger
	metrics MetricsRecorder

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Engine. cm may be nil if encryption is disabled.
func New(cfg Config, objectStore store.ObjectStore, meta *metastore.Store, cm *crypto.Manager, logger zerolog.Logger) *Engine {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 30 // 1 GiB
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	return &Engine{
		objectStore:      objectStore,
		crypto:           cm,
		meta:             meta,
		cacheDir:         cfg.CacheDir,
		device:           cfg.Device,
		maxFileSize:      cfg.MaxFileSize,
		excludedPatterns: cfg.ExcludedPatterns,
		syncInterval:     cfg.SyncInterval,
		wakeup:           make(chan struct{}, 1),
		logger:           logger.With().Str("component", "sync").Logger(),
		metrics:          noopMetrics{},
	}
}

// MetricsRecorder receives per-operation success/failure counts. It is
// satisfied structurally by *health.Metrics without this package importing
// internal/health.
type MetricsRecorder interface {
	RecordSuccess(kind string)
	RecordFailure(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string) {}
func (noopMetrics) RecordFailure(string) {}

// SetMetrics attaches a MetricsRecorder; safe to call before or after Start.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

func (e *Engine) record(kind string, ok bool) bool {
	if ok {
		e.metrics.RecordSuccess(kind)
	} else {
		e.metrics.RecordFailure(kind)
	}
	return ok
}

// Start loads persisted metadata, starts the local watcher and the worker
// goroutine, and queues the initial fill-missing-only sync.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return nil
	}

	if err := e.meta.Load(); err != nil {
		return fmt.Errorf("load sync metadata: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.stopCh = make(chan struct{})
	e.running.Store(true)

	if err := e.startWatcher(); err != nil {
		e.logger.Error().Err(err).Msg("failed to start file watcher")
	}

	e.wg.Add(1)
	go e.workerLoop()

	e.queueInitialSync()

	e.logger.Info().Str("cache_dir", e.cacheDir).Msg("sync engine started")
	return nil
}

// Stop stops the watcher, joins the worker with a 5s deadline, and persists
// metadata. The watcher is stopped before the worker join, as the source
// implementation does.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}
	e.running.Store(false)

	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn().Msg("sync worker did not stop within deadline")
	}

	if e.cancel != nil {
		e.cancel()
	}

	if err := e.meta.Save(); err != nil {
		return fmt.Errorf("save sync metadata: %w", err)
	}
	e.logger.Info().Msg("sync engine stopped")
	return nil
}

// QueueUpload enqueues an Upload for path (virtual or cache path), dropping
// it silently if its basename matches an excluded pattern.
func (e *Engine) QueueUpload(path string, priority int) {
	vpath := e.toVirtualPath(path)
	if e.shouldExclude(vpath) {
		e.logger.Debug().Str("path", vpath).Msg("excluded from sync, dropping upload")
		return
	}
	e.enqueue(OpUpload, vpath, priority)
}

// QueueDownload enqueues a Download for the given virtual path.
func (e *Engine) QueueDownload(vpath string, priority int) {
	e.enqueue(OpDownload, vpath, priority)
}

// QueueDelete enqueues a Delete for path (virtual or cache path).
func (e *Engine) QueueDelete(path string, priority int) {
	vpath := e.toVirtualPath(path)
	e.enqueue(OpDelete, vpath, priority)
}

func (e *Engine) enqueue(kind OpKind, vpath string, priority int) {
	e.queueMu.Lock()
	e.seq++
	heap.Push(&e.queue, &Operation{Kind: kind, Path: vpath, Priority: priority, seq: e.seq})
	e.queueMu.Unlock()

	select {
	case e.wakeup <- struct{}{}:
	default:
	}
	e.logger.Debug().Str("op", kind.String()).Str("path", vpath).Int("priority", priority).Msg("enqueued sync operation")
}

// dequeue blocks up to timeout waiting for an operation to appear.
func (e *Engine) dequeue(timeout time.Duration) (*Operation, bool) {
	deadline := time.Now().Add(timeout)
	for {
		e.queueMu.Lock()
		if e.queue.Len() > 0 {
			op := heap.Pop(&e.queue).(*Operation)
			e.queueMu.Unlock()
			return op, true
		}
		e.queueMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		wait := dequeuePollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-e.wakeup:
		case <-time.After(wait):
		}
	}
}

// QueueSize reports the number of operations currently queued.
func (e *Engine) QueueSize() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return e.queue.Len()
}

func (e *Engine) workerLoop() {
	defer e.wg.Done()
	lastPoll := time.Now()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		op, ok := e.dequeue(time.Second)
		if ok {
			e.dispatch(op)
			continue
		}

		if time.Since(lastPoll) >= e.syncInterval {
			e.checkRemoteChanges()
			lastPoll = time.Now()
		}
	}
}

// dispatch runs a single operation under the engine's own mutex, ensuring
// dispatch serializes per-engine rather than only per-path.
func (e *Engine) dispatch(op *Operation) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.logger.Debug().Str("op", op.Kind.String()).Str("path", op.Path).Msg("dispatching sync operation")

	switch op.Kind {
	case OpUpload:
		e.uploadFile(op.Path)
	case OpDownload:
		e.downloadFile(op.Path)
	case OpDelete:
		e.deleteFile(op.Path)
	default:
		e.logger.Warn().Int("kind", int(op.Kind)).Msg("unknown sync operation kind")
	}
}

// UploadFile runs the upload synchronously on the caller's goroutine.
func (e *Engine) UploadFile(vpath string) bool {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	return e.uploadFile(vpath)
}

// DownloadFile runs the download on a helper goroutine and waits up to
// timeout; on timeout it returns false without cancelling the goroutine,
// which completes in the background and discards its result.
func (e *Engine) DownloadFile(vpath string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	resultCh := make(chan bool, 1)
	go func() {
		e.dispatchMu.Lock()
		defer e.dispatchMu.Unlock()
		resultCh <- e.downloadFile(vpath)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-time.After(timeout):
		e.logger.Warn().Str("path", vpath).Dur("timeout", timeout).Msg("synchronous download timed out")
		return false
	}
}

// uploadFile implements the upload algorithm. Caller must hold dispatchMu.
func (e *Engine) uploadFile(vpath string) bool {
	cachePath := e.toCachePath(vpath)

	info, err := os.Stat(cachePath)
	if err != nil {
		e.logger.Warn().Str("path", vpath).Msg("file not found for upload, skipping")
		return e.record("upload", false)
	}

	if info.Size() > e.maxFileSize {
		e.logger.Warn().Str("path", vpath).Int64("size", info.Size()).Msg("file too large for upload, skipping")
		return e.record("upload", false)
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		e.logger.Error().Err(err).Str("path", vpath).Msg("failed to read cache file for upload")
		return e.record("upload", false)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if e.meta.ContentHashMatches(vpath, hash) {
		e.logger.Debug().Str("path", vpath).Msg("file unchanged, skipping upload")
		return e.record("upload", true)
	}

	payload := data
	encrypted := false
	if e.crypto != nil {
		enc, err := e.crypto.Encrypt(data)
		if err != nil {
			e.logger.Error().Err(err).Str("path", vpath).Msg("failed to encrypt file for upload")
			return e.record("upload", false)
		}
		payload = enc
		encrypted = true
	}

	remoteKey := strings.TrimPrefix(vpath, "/")
	metadata := map[string]string{
		store.MetaEncrypted:    strconv.FormatBool(encrypted),
		store.MetaOriginalSize: strconv.Itoa(len(data)),
	}

	if err := e.objectStore.Put(e.ctx, remoteKey, payload, metadata); err != nil {
		e.logger.Error().Err(err).Str("path", vpath).Msg("upload failed")
		return e.record("upload", false)
	}

	e.meta.Set(vpath, metastore.Record{
		ContentHash: hash,
		Size:        info.Size(),
		Mtime:       info.ModTime().Unix(),
		UploadedAt:  metastore.Now(),
	})
	e.logger.Info().Str("path", vpath).Msg("uploaded file")
	return e.record("upload", true)
}

// downloadFile implements the download algorithm. Caller must hold dispatchMu.
func (e *Engine) downloadFile(vpath string) bool {
	remoteKey := strings.TrimPrefix(vpath, "/")

	data, err := e.objectStore.Get(e.ctx, remoteKey)
	if err != nil {
		if errs.IsNotFound(err) {
			e.logger.Warn().Str("path", vpath).Msg("file not found remotely")
		} else {
			e.logger.Error().Err(err).Str("path", vpath).Msg("download failed")
		}
		return e.record("download", false)
	}

	objInfo, err := e.objectStore.Head(e.ctx, remoteKey)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", vpath).Msg("failed to fetch metadata for downloaded file")
		return e.record("download", false)
	}

	if e.crypto != nil && objInfo.Metadata[store.MetaEncrypted] == "true" {
		plain, err := e.crypto.Decrypt(data)
		if err != nil {
			e.logger.Error().Err(err).Str("path", vpath).Msg("failed to decrypt downloaded file")
			return e.record("download", false)
		}
		data = plain
	}

	cachePath := e.toCachePath(vpath)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0750); err != nil {
		e.logger.Error().Err(err).Str("path", vpath).Msg("failed to create cache parent directory")
		return e.record("download", false)
	}

	if err := writeFileAtomic(cachePath, data); err != nil {
		e.logger.Error().Err(err).Str("path", vpath).Msg("failed to write cache file")
		return e.record("download", false)
	}

	stat, err := os.Stat(cachePath)
	var mtime int64
	if err == nil {
		mtime = stat.ModTime().Unix()
	}

	sum := sha256.Sum256(data)
	e.meta.Set(vpath, metastore.Record{
		ContentHash:  hex.EncodeToString(sum[:]),
		Size:         int64(len(data)),
		Mtime:        mtime,
		DownloadedAt: metastore.Now(),
	})
	e.logger.Info().Str("path", vpath).Msg("downloaded file")
	return e.record("download", true)
}

// deleteFile implements the delete algorithm. Caller must hold dispatchMu.
func (e *Engine) deleteFile(vpath string) bool {
	remoteKey := strings.TrimPrefix(vpath, "/")
	if err := e.objectStore.Delete(e.ctx, remoteKey); err != nil {
		e.logger.Error().Err(err).Str("path", vpath).Msg("delete failed")
		return e.record("delete", false)
	}
	e.meta.Delete(vpath)
	e.logger.Info().Str("path", vpath).Msg("deleted file")
	return e.record("delete", true)
}

// checkRemoteChanges lists every remote object and enqueues Downloads for
// anything newer remotely (priority 1) or missing locally (priority 0).
func (e *Engine) checkRemoteChanges() {
	objects, err := e.objectStore.List(e.ctx, "")
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list remote objects during poll")
		return
	}

	for _, obj := range objects {
		vpath := "/" + obj.Key
		cachePath := e.toCachePath(vpath)

		stat, statErr := os.Stat(cachePath)
		switch {
		case statErr == nil:
			if obj.LastModified.After(stat.ModTime()) {
				e.QueueDownload(vpath, 1)
			}
		case os.IsNotExist(statErr):
			e.QueueDownload(vpath, 0)
		}
	}
}

// queueInitialSync enqueues fill-missing-only downloads for every remote
// object without a local cache file. Existing cache files are never
// overwritten by initial sync.
func (e *Engine) queueInitialSync() {
	objects, err := e.objectStore.List(e.ctx, "")
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list remote objects during initial sync")
		return
	}

	for _, obj := range objects {
		vpath := "/" + obj.Key
		cachePath := e.toCachePath(vpath)
		if _, err := os.Stat(cachePath); os.IsNotExist(err) {
			e.QueueDownload(vpath, 0)
		}
	}
}

// ForceSync re-runs the startup initial-sync pass (downloads for remote
// objects with no local cache file; existing cache files are left alone) and
// blocks until the queue drains or timeout elapses.
func (e *Engine) ForceSync(ctx context.Context, timeout time.Duration) error {
	e.queueInitialSync()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(dequeuePollInterval)
	defer ticker.Stop()
	for {
		if e.QueueSize() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for sync queue to drain (%d remaining)", e.QueueSize())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetStatus returns a snapshot of the engine's current state.
func (e *Engine) GetStatus() Status {
	records := e.meta.All()
	var last int64
	for _, rec := range records {
		if rec.UploadedAt > last {
			last = rec.UploadedAt
		}
	}
	return Status{
		Running:      e.running.Load(),
		QueueSize:    e.QueueSize(),
		FilesTracked: e.meta.Count(),
		CacheDir:     e.cacheDir,
		LastSync:     last,
	}
}

func (e *Engine) toCachePath(vpath string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(vpath, "/"))
	if safe, err := utils.SecureJoin(e.cacheDir, rel); err == nil {
		return safe
	}
	return filepath.Join(e.cacheDir, rel)
}

func (e *Engine) toVirtualPath(path string) string {
	if strings.HasPrefix(path, e.cacheDir) {
		if rel, err := filepath.Rel(e.cacheDir, path); err == nil {
			return "/" + filepath.ToSlash(rel)
		}
	}
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

func (e *Engine) shouldExclude(vpath string) bool {
	base := filepath.Base(vpath)
	for _, pattern := range e.excludedPatterns {
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

// writeFileAtomic writes data to a temp file alongside path, then renames
// it into place, avoiding a torn read if a concurrent open races the write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (e *Engine) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := filepath.WalkDir(e.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	}); err != nil {
		_ = w.Close()
		return err
	}

	e.watcher = w
	e.wg.Add(1)
	go e.watchLoop()
	e.logger.Info().Str("cache_dir", e.cacheDir).Msg("file watcher started")
	return nil
}

func (e *Engine) watchLoop() {
	defer e.wg.Done()
	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			e.handleWatchEvent(event)
		case werr, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Error().Err(werr).Msg("file watcher error")
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) handleWatchEvent(event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Op&fsnotify.Create != 0:
		if isDir {
			_ = e.watcher.Add(event.Name)
			return
		}
		e.QueueUpload(event.Name, 2)
	case event.Op&fsnotify.Write != 0:
		if !isDir {
			e.QueueUpload(event.Name, 1)
		}
	case event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0:
		e.QueueDelete(event.Name, 1)
	}
}
