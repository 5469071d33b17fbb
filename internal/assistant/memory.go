package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/domain"
)

var ErrWriterClosed = errors.New("memory writer closed")

type Ingester interface {
	Ingest(ctx context.Context, token string, req domain.IngestRequest) error
}

type MemoryConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single write, refresh included.
	Timeout time.Duration
}

type memoryJob struct {
	id       auth.Identity
	content  string
	metadata map[string]any
}

// MemoryWriter persists conversational turns to the knowledge store in the
// background. A turn that cannot be written is reported on Errors and dropped.
type MemoryWriter struct {
	creds  CredentialSource
	client Ingester
	cfg    MemoryConfig
	logger *zap.Logger

	// base outlives the request that dispatched a job.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	jobs   chan memoryJob
	errs   chan error
	wg     sync.WaitGroup
}

func NewMemoryWriter(creds CredentialSource, client Ingester, cfg MemoryConfig, logger *zap.Logger) *MemoryWriter {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	w := &MemoryWriter{
		creds:  creds,
		client: client,
		cfg:    cfg,
		logger: logger,
		base:   base,
		cancel: cancel,
		jobs:   make(chan memoryJob, cfg.QueueSize),
		errs:   make(chan error, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
	return w
}

// AddToBrain queues content for ingestion and returns immediately. It reports
// whether the job was accepted; a full queue or a closed writer drops it.
func (w *MemoryWriter) AddToBrain(id auth.Identity, content string, metadata map[string]any) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.report(ErrWriterClosed)
		return false
	}
	select {
	case w.jobs <- memoryJob{id: id, content: content, metadata: metadata}:
		return true
	default:
		w.logger.Warn("memory queue full, dropping write", zap.Int64("user_id", id.UserID))
		w.report(fmt.Errorf("memory queue full, dropped write for user %d", id.UserID))
		return false
	}
}

// Errors delivers failed writes. Unread errors are dropped once the buffer is
// full.
func (w *MemoryWriter) Errors() <-chan error {
	return w.errs
}

// Close stops accepting jobs and waits for queued ones until ctx is done, at
// which point in-flight writes are cancelled.
func (w *MemoryWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

func (w *MemoryWriter) worker() {
	defer w.wg.Done()
	for job := range w.jobs {
		if err := w.write(job); err != nil {
			w.logger.Warn("memory write failed", zap.Int64("user_id", job.id.UserID), zap.Error(err))
			w.report(err)
		}
	}
}

func (w *MemoryWriter) write(job memoryJob) error {
	ctx, cancel := context.WithTimeout(w.base, w.cfg.Timeout)
	defer cancel()

	cred, err := w.creds.GetValidCredential(ctx, job.id)
	if err != nil {
		return fmt.Errorf("failed to obtain credential: %w", err)
	}
	if cred == nil {
		return fmt.Errorf("memory write for user %d: %w", job.id.UserID, auth.ErrNoSession)
	}

	req := domain.IngestRequest{Content: job.content, Metadata: job.metadata}
	out := refreshRetry(ctx, w.creds, job.id, cred, func(ctx context.Context, c *auth.Credential) error {
		return w.client.Ingest(ctx, c.Token, req)
	})
	if out.Err != nil {
		if out.RefreshErr != nil {
			return fmt.Errorf("memory write failed after refresh error (%v): %w", out.RefreshErr, out.Err)
		}
		return fmt.Errorf("memory write failed after %d attempt(s): %w", out.Attempts, out.Err)
	}
	return nil
}

func (w *MemoryWriter) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
