// Package worker implements the archival worker: it claims pending jobs
// from the video queue, downloads the source video, pushes it to durable
// storage, and records the result so the streaming layer can serve the
// archived copy.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/observability"
	"github.com/danantara/anivault/internal/repository"
	"github.com/danantara/anivault/internal/storage"
)

// uploader pushes a finished file to durable storage.
type uploader interface {
	RepoID(malID int) string
	Accounts() int
	UploadAll(ctx context.Context, malID, episode int, fileKey, localPath string) (*storage.Upload, error)
}

// downloader fetches a job's source video into a local file.
type downloader interface {
	Download(ctx context.Context, job *models.VideoQueueEntry, dest string) error
}

// Worker polls the queue and archives claimed jobs. It runs at most
// MaxConcurrent jobs at once; claims are serialized through the queue's
// atomic claim so multiple worker processes never pick up the same job.
type Worker struct {
	cfg       config.WorkerConfig
	salt      string
	proxyBase string

	queue   repository.VideoQueueRepository
	store   repository.VideoStoreRepository
	uploads uploader
	dl      downloader

	logger *slog.Logger
	http   *http.Client

	// freeBytes reports free space on the temp volume. Swappable in tests.
	freeBytes func(ctx context.Context, path string) (uint64, error)

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}
	sem    chan struct{}

	mu        sync.Mutex
	active    map[string]bool
	repoLocks map[string]*sync.Mutex
}

// New creates a worker. proxyBase is the public base URL of the stream
// proxy; when empty, archived entries carry no proxied stream URL.
func New(
	cfg config.WorkerConfig,
	archive config.ArchiveConfig,
	proxyBase string,
	queue repository.VideoQueueRepository,
	store repository.VideoStoreRepository,
	uploads uploader,
	dl downloader,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		cfg:       cfg,
		salt:      archive.Salt,
		proxyBase: proxyBase,
		queue:     queue,
		store:     store,
		uploads:   uploads,
		dl:        dl,
		logger:    logger.With(slog.String("component", "worker")),
		http:      &http.Client{Timeout: 10 * time.Second},
		freeBytes: diskFree,
		kick:      make(chan struct{}, 1),
		sem:       make(chan struct{}, maxConcurrent),
		active:    map[string]bool{},
		repoLocks: map[string]*sync.Mutex{},
	}
}

// Start begins the worker's poll loop. Jobs left in an active state by a
// previous run are recovered before the first claim.
func (w *Worker) Start(ctx context.Context) error {
	if w.ctx != nil {
		return fmt.Errorf("worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.pollLoop()

	w.cron = cron.New()
	if _, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.cfg.PollInterval), w.Kick); err != nil {
		w.cancel()
		return fmt.Errorf("scheduling poll: %w", err)
	}
	w.cron.Start()

	w.logger.Info("worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("max_concurrent", cap(w.sem)),
		slog.Int("claim_batch", w.cfg.ClaimBatch))
	return nil
}

// Stop halts polling and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func jobKey(job *models.VideoQueueEntry) string {
	return fmt.Sprintf("%d:%d:%s:%s", job.MALID, job.Episode, job.Provider, job.ResolutionOrUnknown())
}

// markActive records a job as in flight. Returns false when the same
// episode is already being processed.
func (w *Worker) markActive(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[key] {
		return false
	}
	w.active[key] = true
	return true
}

func (w *Worker) clearActive(key string) {
	w.mu.Lock()
	delete(w.active, key)
	w.mu.Unlock()
}

// Kick requests an immediate poll. Safe to call from any goroutine; a
// poll already pending absorbs the kick.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()

	// Run immediately on start.
	w.poll(w.ctx)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.kick:
			w.poll(w.ctx)
		}
	}
}

// poll recovers stale jobs, then claims and launches a batch.
func (w *Worker) poll(ctx context.Context) {
	if recovered, err := w.queue.ResetStale(ctx, w.cfg.StaleAfter); err != nil {
		w.logger.Error("stale recovery failed", slog.String("error", err.Error()))
	} else if recovered > 0 {
		w.logger.Warn("recovered stale jobs", slog.Int64("count", recovered))
	}

	jobs, err := w.queue.ClaimPending(ctx, w.cfg.ClaimBatch)
	if err != nil {
		w.logger.Error("claiming jobs failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range jobs {
		w.wg.Add(1)
		go w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *models.VideoQueueEntry) {
	defer w.wg.Done()

	// Webhook kicks and the poll schedule can race to claim the same
	// episode; only one run per job key proceeds.
	key := jobKey(job)
	if !w.markActive(key) {
		return
	}
	defer w.clearActive(key)

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-w.sem }()

	if err := w.process(ctx, job); err != nil {
		observability.ArchiveJobsTotal.WithLabelValues("failed").Inc()
		w.failJob(ctx, job, err)
		return
	}
	observability.ArchiveJobsTotal.WithLabelValues("archived").Inc()
}

// process archives one claimed job end to end.
func (w *Worker) process(ctx context.Context, job *models.VideoQueueEntry) error {
	logger := w.logger.With(
		slog.Int("mal_id", job.MALID),
		slog.Int("episode", job.Episode),
		slog.String("provider", job.Provider),
		slog.String("resolution", job.ResolutionOrUnknown()))

	tempRoot := w.tempRoot()
	if free, err := w.freeBytes(ctx, tempRoot); err != nil {
		logger.Warn("disk usage check failed", slog.String("error", err.Error()))
	} else if free < uint64(w.cfg.MinFreeBytes) {
		return fmt.Errorf("insufficient disk space: %d bytes free", free)
	}

	workDir, err := os.MkdirTemp(tempRoot, "anivault-job-")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	dest := filepath.Join(workDir, "video.mp4")
	logger.Info("downloading", slog.String("url", job.VideoURL))
	if err := w.dl.Download(ctx, job, dest); err != nil {
		return fmt.Errorf("downloading: %w", err)
	}

	if err := w.queue.UpdateStatus(ctx, job.ID, models.VideoStatusUploading, ""); err != nil {
		return fmt.Errorf("marking uploading: %w", err)
	}

	fileKey := models.FileKey(w.salt, job.MALID, job.Episode, job.Provider, job.Resolution)

	// Commits to the same repo race on the branch head, so uploads for one
	// anime are serialized within this process.
	unlock := w.lockRepo(w.uploads.RepoID(job.MALID))
	up, err := w.uploads.UploadAll(ctx, job.MALID, job.Episode, fileKey, dest)
	unlock()
	if err != nil {
		return fmt.Errorf("uploading: %w", err)
	}

	entry := &models.VideoStoreEntry{
		MALID:        job.MALID,
		Episode:      job.Episode,
		Provider:     job.Provider,
		Resolution:   job.Resolution,
		FileKey:      fileKey,
		AccountIndex: up.AccountIndex,
		RepoID:       up.RepoID,
		Path:         up.Path,
		DirectURL:    up.DirectURL,
		StreamURL:    proxiedURL(w.proxyBase, up.DirectURL),
	}
	if err := w.store.UpsertStore(ctx, entry); err != nil {
		return fmt.Errorf("recording archive: %w", err)
	}

	w.notifyInvalidate(job.MALID, job.Episode)
	logger.Info("archived", slog.String("direct_url", up.DirectURL))
	return nil
}

func (w *Worker) failJob(ctx context.Context, job *models.VideoQueueEntry, cause error) {
	w.logger.Warn("job failed",
		slog.Int("mal_id", job.MALID),
		slog.Int("episode", job.Episode),
		slog.String("provider", job.Provider),
		slog.String("error", cause.Error()))
	if err := w.queue.UpdateStatus(ctx, job.ID, models.VideoStatusFailed, cause.Error()); err != nil {
		w.logger.Error("recording failure failed", slog.String("error", err.Error()))
	}
}

// notifyInvalidate asks the API to drop its scrape cache for the episode
// so the next request serves the durable copy. Best effort.
func (w *Worker) notifyInvalidate(malID, episode int) {
	if w.cfg.APIBaseURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"mal_id":  malID,
		"episode": episode,
		"secret":  w.salt,
	})
	if err != nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		endpoint := w.cfg.APIBaseURL + "/api/v1/streaming/invalidate"
		resp, err := w.http.Post(endpoint, "application/json", bytes.NewReader(payload))
		if err != nil {
			w.logger.Debug("cache invalidation failed", slog.String("error", err.Error()))
			return
		}
		resp.Body.Close()
	}()
}

func (w *Worker) lockRepo(repoID string) func() {
	w.mu.Lock()
	lock, ok := w.repoLocks[repoID]
	if !ok {
		lock = &sync.Mutex{}
		w.repoLocks[repoID] = lock
	}
	w.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (w *Worker) tempRoot() string {
	if w.cfg.TempDir != "" {
		return w.cfg.TempDir
	}
	return os.TempDir()
}

func proxiedURL(proxyBase, directURL string) string {
	if proxyBase == "" {
		return ""
	}
	return proxyBase + "/proxy?url=" + url.QueryEscape(directURL)
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
