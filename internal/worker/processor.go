package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/tracing"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

const (
	inputFileName = "input.mp4"
	outDirName    = "out"

	// ledgerTimeout bounds bookkeeping writes, which must not stall a job
	ledgerTimeout = 5 * time.Second
)

// ObjectStore is the storage surface the processor needs
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	DownloadFile(ctx context.Context, bucket, key, filePath string) error
	UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error
	UploadTree(ctx context.Context, bucket, prefix, dir string, uploadLast ...string) error
}

// Publisher emits ReadyEvents and returns once the broker confirmed them
type Publisher interface {
	PublishReady(ctx context.Context, evt *models.ReadyEvent) error
}

// Locker serializes attempts on the same video. Acquire blocks until the
// video is free or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, videoID, attemptID string) (func(), error)
}

// Ledger records attempts. Failures are logged only.
type Ledger interface {
	StartJob(ctx context.Context, rec *models.JobRecord) error
	FinishJob(ctx context.Context, rec *models.JobRecord) error
	HasCompletedJob(ctx context.Context, videoID string) (bool, error)
}

// StateCache publishes the latest attempt state for other services to read
type StateCache interface {
	SetJobState(ctx context.Context, rec *models.JobRecord, ttl time.Duration) error
}

// ProcessorConfig holds the per-job settings
type ProcessorConfig struct {
	UploadsBucket   string
	VODBucket       string
	HLSPrefix       string
	SegmentSeconds  int
	WorkDir         string
	ThumbnailOffset float64
	StateTTL        time.Duration
}

// ProcessorConfigFrom derives processor settings from the loaded config
func ProcessorConfigFrom(cfg *config.Config) ProcessorConfig {
	return ProcessorConfig{
		UploadsBucket:   cfg.Storage.UploadsBucket,
		VODBucket:       cfg.Storage.VODBucket,
		HLSPrefix:       cfg.Transcoder.HLSPrefix,
		SegmentSeconds:  cfg.Transcoder.SegmentSeconds,
		WorkDir:         cfg.Transcoder.WorkDir,
		ThumbnailOffset: cfg.Transcoder.ThumbnailOffset,
		StateTTL:        cfg.Worker.StateTTL,
	}
}

// Processor turns one upload event into a published HLS rendition set
type Processor struct {
	cfg       ProcessorConfig
	store     ObjectStore
	engine    transcoder.Engine
	publisher Publisher
	locker    Locker
	ledger    Ledger
	state     StateCache
	ladder    []models.Rendition
	metrics   *metrics.Metrics
	logger    *logging.Logger
	workerID  string
}

// Option configures optional processor collaborators
type Option func(*Processor)

// WithLedger records attempts in the job ledger
func WithLedger(l Ledger) Option {
	return func(p *Processor) { p.ledger = l }
}

// WithStateCache mirrors attempt state into a cache
func WithStateCache(c StateCache) Option {
	return func(p *Processor) { p.state = c }
}

// WithWorkerID overrides the generated worker identity
func WithWorkerID(id string) Option {
	return func(p *Processor) { p.workerID = id }
}

// NewProcessor creates a processor
func NewProcessor(
	cfg ProcessorConfig,
	store ObjectStore,
	engine transcoder.Engine,
	publisher Publisher,
	locker Locker,
	m *metrics.Metrics,
	logger *logging.Logger,
	opts ...Option,
) *Processor {
	p := &Processor{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		publisher: publisher,
		locker:    locker,
		ladder:    models.Ladder(),
		metrics:   m,
		logger:    logger,
		workerID:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs the full pipeline for one delivery body. A nil return means
// the event is done (processed or already processed). Errors carry an
// apperr code that decides between drop and requeue.
func (p *Processor) Handle(ctx context.Context, body []byte) (err error) {
	span, ctx := tracing.StartSpan(ctx, "transcoder.handle")
	defer func() { tracing.FinishSpan(span, err) }()

	evt, err := models.DecodeUploadEvent(body)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeMalformedEvent, "processor.decode", "invalid upload event")
	}
	tracing.SetTag(span, "video.id", evt.VideoID)

	attemptID := uuid.New().String()
	logger := p.logger.WithVideoID(evt.VideoID).WithAttemptID(attemptID)

	release, err := p.locker.Acquire(ctx, evt.VideoID, attemptID)
	if err != nil {
		return err
	}
	defer release()

	done, err := p.alreadyProcessed(ctx, evt.VideoID)
	if err != nil {
		return err
	}
	if done {
		logger.Info("Master playlist already present, skipping")
		if p.metrics != nil {
			p.metrics.RecordSkipped()
		}
		p.checkCompleted(evt.VideoID, logger)
		p.record(&models.JobRecord{
			VideoID:      evt.VideoID,
			AttemptID:    attemptID,
			OwnerID:      evt.OwnerID,
			InputKey:     evt.InputKey,
			Status:       models.JobStatusSkipped,
			OutputPrefix: models.OutputPrefix(p.cfg.HLSPrefix, evt.VideoID),
		}, true)
		return nil
	}

	rec := &models.JobRecord{
		VideoID:   evt.VideoID,
		AttemptID: attemptID,
		OwnerID:   evt.OwnerID,
		InputKey:  evt.InputKey,
		Status:    models.JobStatusProcessing,
		WorkerID:  p.workerID,
		StartedAt: time.Now().UTC(),
	}
	p.record(rec, false)

	ready, err := p.run(ctx, evt, attemptID, logger)
	if err != nil {
		rec.Status = models.JobStatusFailed
		rec.ErrorMsg = err.Error()
		p.finish(rec)
		logger.LogJobEvent(evt.VideoID, "failed", models.JobStatusFailed, map[string]interface{}{
			"error": err.Error(),
			"kind":  apperr.Kind(err),
		})
		return err
	}

	rec.Status = models.JobStatusCompleted
	rec.OutputPrefix = ready.OutputPrefix
	rec.DurationSec = ready.DurationSec
	p.finish(rec)

	logger.LogJobEvent(evt.VideoID, "ready", models.JobStatusCompleted, map[string]interface{}{
		"output_prefix": ready.OutputPrefix,
		"duration_sec":  ready.DurationSec,
	})
	return nil
}

func (p *Processor) alreadyProcessed(ctx context.Context, videoID string) (exists bool, err error) {
	span, ctx := tracing.StartSpan(ctx, "transcoder.idempotency")
	defer func() { tracing.FinishSpan(span, err) }()

	return p.store.Exists(ctx, p.cfg.VODBucket, models.MasterKey(p.cfg.HLSPrefix, videoID))
}

// run executes the staging, encode, upload and publish steps inside a
// private work directory
func (p *Processor) run(ctx context.Context, evt *models.UploadEvent, attemptID string, logger *logging.Logger) (*models.ReadyEvent, error) {
	workDir := filepath.Join(p.cfg.WorkDir, evt.VideoID+"-"+attemptID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeFilesystem, "processor.workdir", workDir)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.WithError(err).Warn("Failed to remove work directory")
		}
	}()

	inputPath := filepath.Join(workDir, inputFileName)
	outDir := filepath.Join(workDir, outDirName)
	thumbPath := filepath.Join(workDir, models.ThumbnailName)

	if err := p.step(ctx, "transcoder.download", func(ctx context.Context) error {
		return p.store.DownloadFile(ctx, p.cfg.UploadsBucket, evt.SourceKey(), inputPath)
	}); err != nil {
		return nil, err
	}
	logger.Debug("Source downloaded")

	duration := p.engine.ProbeDuration(ctx, inputPath)

	if err := p.step(ctx, "transcoder.encode", func(ctx context.Context) error {
		if err := p.engine.EncodeLadder(ctx, inputPath, outDir, p.cfg.SegmentSeconds); err != nil {
			return err
		}
		offset := transcoder.ThumbnailOffset(p.cfg.ThumbnailOffset, duration)
		if err := p.engine.ExtractThumbnail(ctx, inputPath, offset, thumbPath); err != nil {
			return err
		}
		if err := transcoder.ValidateOutput(outDir, p.ladder); err != nil {
			return err
		}
		return transcoder.ValidateThumbnail(thumbPath)
	}); err != nil {
		return nil, err
	}
	logger.Debug("Rendition ladder encoded")

	prefix := models.OutputPrefix(p.cfg.HLSPrefix, evt.VideoID)
	thumbKey := models.ThumbKey(p.cfg.HLSPrefix, evt.VideoID)

	if err := p.step(ctx, "transcoder.upload", func(ctx context.Context) error {
		if err := p.store.UploadFile(ctx, p.cfg.VODBucket, thumbKey, thumbPath, "image/jpeg"); err != nil {
			return err
		}
		return p.store.UploadTree(ctx, p.cfg.VODBucket, prefix, outDir, models.MasterPlaylistName)
	}); err != nil {
		return nil, err
	}

	ready := &models.ReadyEvent{
		VideoID:      evt.VideoID,
		OutputPrefix: prefix,
		ThumbKey:     thumbKey,
		DurationSec:  duration,
	}

	if err := p.step(ctx, "transcoder.publish", func(ctx context.Context) error {
		return p.publisher.PublishReady(ctx, ready)
	}); err != nil {
		return nil, err
	}

	return ready, nil
}

func (p *Processor) step(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	span, ctx := tracing.StartSpan(ctx, name)
	defer func() { tracing.FinishSpan(span, err) }()
	return fn(ctx)
}

// checkCompleted flags a skip for a video with no completed attempt in the
// ledger. That happens when the ready event failed after the master was
// uploaded, and no ready event will follow.
func (p *Processor) checkCompleted(videoID string, logger *logging.Logger) {
	if p.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	done, err := p.ledger.HasCompletedJob(ctx, videoID)
	if err != nil {
		logger.WithError(err).Warn("Failed to look up completed attempts")
		return
	}
	if done {
		return
	}
	logger.Warn("Output present but no completed attempt on record, video.ready may never have been published")
	if p.metrics != nil {
		p.metrics.RecordSkippedUnconfirmed()
	}
}

// record writes the opening ledger row; terminal also writes the final state
func (p *Processor) record(rec *models.JobRecord, terminal bool) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.WorkerID == "" {
		rec.WorkerID = p.workerID
	}

	if p.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()
		if err := p.ledger.StartJob(ctx, rec); err != nil {
			p.logger.WithVideoID(rec.VideoID).WithError(err).Warn("Failed to record job start")
		}
	}

	if terminal {
		p.finish(rec)
		return
	}
	p.cacheState(rec)
}

func (p *Processor) finish(rec *models.JobRecord) {
	now := time.Now().UTC()
	rec.FinishedAt = &now

	if p.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()
		if err := p.ledger.FinishJob(ctx, rec); err != nil {
			p.logger.WithVideoID(rec.VideoID).WithError(err).Warn("Failed to record job result")
		}
	}
	p.cacheState(rec)
}

func (p *Processor) cacheState(rec *models.JobRecord) {
	if p.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := p.state.SetJobState(ctx, rec, p.cfg.StateTTL); err != nil {
		p.logger.WithVideoID(rec.VideoID).WithError(err).Warn("Failed to cache job state")
	}
}
