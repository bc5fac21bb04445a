package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/beesbook/bb-ingest-service/internal/domain/port"
	"github.com/beesbook/bb-ingest-service/internal/infra/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ProcessSegmentUseCase turns one recorded video segment into one stored
// frame container.
type ProcessSegmentUseCase struct {
	storage   port.VideoStorage
	opener    port.VideoOpener
	aligner   port.TimestampAligner
	detector  port.Detector
	repo      port.ContainerRepository
	repoLock  sync.Locker
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	logger    *zap.Logger
	tempDir   string
}

type ProcessSegmentConfig struct {
	TempDir string
	// RepositoryLock is shared by every worker appending to repo.
	RepositoryLock sync.Locker
}

func NewProcessSegmentUseCase(
	storage port.VideoStorage,
	opener port.VideoOpener,
	aligner port.TimestampAligner,
	detector port.Detector,
	repo port.ContainerRepository,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg ProcessSegmentConfig,
) *ProcessSegmentUseCase {
	lock := cfg.RepositoryLock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &ProcessSegmentUseCase{
		storage:   storage,
		opener:    opener,
		aligner:   aligner,
		detector:  detector,
		repo:      repo,
		repoLock:  lock,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		logger:    logger,
		tempDir:   cfg.TempDir,
	}
}

func (uc *ProcessSegmentUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ProcessSegmentUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.SegmentMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil || msg.VideoKey == "" {
		if err == nil {
			err = errors.New("missing video_key")
		}
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		metrics.SegmentsProcessedTotal.WithLabelValues("rejected").Inc()
		return nil
	}

	span.SetAttributes(attribute.String("segment.video_key", msg.VideoKey))
	log := uc.logger.With(zap.String("video_key", msg.VideoKey))

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	c, err := uc.processSegment(ctx, msg, log)
	if err != nil {
		span.RecordError(err)
		return uc.handleFailure(ctx, msg, rawMsg, err, log)
	}

	metrics.SegmentsProcessedTotal.WithLabelValues("completed").Inc()
	metrics.SegmentProcessingDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())

	uc.publishStatus(ctx, entity.SegmentStatusMessage{
		VideoKey:      msg.VideoKey,
		Status:        entity.SegmentStatusCompleted,
		ContainerID:   fmt.Sprintf("%016x", c.ID),
		CamID:         int(c.CamID),
		FrameCount:    len(c.Frames),
		FromTimestamp: c.FromTimestamp,
		ToTimestamp:   c.ToTimestamp,
	}, log)

	log.Info("segment completed",
		zap.String("container_id", fmt.Sprintf("%016x", c.ID)),
		zap.Int("frame_count", len(c.Frames)),
		zap.Int("detection_count", c.DetectionCount()),
	)
	return nil
}

func (uc *ProcessSegmentUseCase) processSegment(
	ctx context.Context,
	msg entity.SegmentMessage,
	log *zap.Logger,
) (*entity.Container, error) {
	tracer := otel.Tracer("usecase")

	videoName := path.Base(msg.VideoKey)
	video, err := entity.ParseVideoFilename(videoName)
	if err != nil {
		return nil, err
	}
	camID := video.CamID
	if msg.CamID != nil {
		camID = *msg.CamID
	}
	if camID < 0 || camID > math.MaxUint16 {
		return nil, fmt.Errorf("%w: camera id %d out of range", entity.ErrConfiguration, camID)
	}

	workDir := filepath.Join(uc.tempDir, uuid.NewString())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Download video from MinIO
	dlStart := time.Now()
	ctx2, spanDl := tracer.Start(ctx, "download_video")
	videoPath := filepath.Join(workDir, videoName)
	err = uc.storage.DownloadVideo(ctx2, msg.VideoKey, videoPath)
	spanDl.End()
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	metrics.SegmentProcessingDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	// Align timestamps from the day lists
	_, spanAl := tracer.Start(ctx, "align_timestamps")
	timestamps, err := uc.aligner.Timestamps(videoName)
	spanAl.End()
	if err != nil {
		return nil, fmt.Errorf("align timestamps: %w", err)
	}

	// Decode, detect, aggregate
	decStart := time.Now()
	ctx3, spanDec := tracer.Start(ctx, "decode_detect")
	agg, err := uc.aggregate(ctx3, videoPath, uint16(camID), timestamps)
	spanDec.End()
	if err != nil {
		return nil, err
	}
	metrics.SegmentProcessingDuration.WithLabelValues("decode_detect").Observe(time.Since(decStart).Seconds())

	log.Debug("segment decoded", zap.Int("frames", agg.Len()))

	finStart := time.Now()
	ctx4, spanFin := tracer.Start(ctx, "finalize_container")
	c, err := agg.Finalize(ctx4)
	spanFin.End()
	if err != nil {
		return nil, fmt.Errorf("finalize container: %w", err)
	}
	metrics.SegmentProcessingDuration.WithLabelValues("finalize").Observe(time.Since(finStart).Seconds())
	metrics.DetectionsTotal.Add(float64(c.DetectionCount()))

	return c, nil
}

// aggregate pairs every decoded frame with its timestamp. Frame and
// timestamp counts must match exactly.
func (uc *ProcessSegmentUseCase) aggregate(
	ctx context.Context,
	videoPath string,
	camID uint16,
	timestamps []float64,
) (*Aggregator, error) {
	src, err := uc.opener.Open(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer src.Close()

	source := entity.DataSource{Filename: filepath.Base(videoPath)}
	agg := NewLockedAggregator(uc.repo, camID, uc.repoLock)

	for {
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", src.Frames(), err)
		}
		metrics.FramesDecodedTotal.Inc()

		if frame.Index >= len(timestamps) {
			return nil, fmt.Errorf("%w: more frames than the %d listed images", entity.ErrAlignment, len(timestamps))
		}

		result, err := uc.detector.Detect(ctx, frame)
		if err != nil {
			return nil, fmt.Errorf("detect frame %d: %w", frame.Index, err)
		}
		if err := agg.Add(source, result, timestamps[frame.Index]); err != nil {
			return nil, err
		}
	}

	if n := src.Frames(); n != len(timestamps) {
		return nil, fmt.Errorf("%w: decoded %d frames for %d listed images", entity.ErrAlignment, n, len(timestamps))
	}
	return agg, nil
}

// handleFailure records a failed segment. Segments are never retried: the
// message goes to the DLQ and the delivery is acknowledged once that worked.
func (uc *ProcessSegmentUseCase) handleFailure(
	ctx context.Context,
	msg entity.SegmentMessage,
	rawMsg []byte,
	cause error,
	log *zap.Logger,
) error {
	log.Error("segment failed", zap.Error(cause))
	metrics.SegmentsProcessedTotal.WithLabelValues("failed").Inc()

	status := entity.SegmentStatusMessage{
		VideoKey:     msg.VideoKey,
		Status:       entity.SegmentStatusFailed,
		ErrorMessage: cause.Error(),
	}
	if msg.CamID != nil {
		status.CamID = *msg.CamID
	} else if v, err := entity.ParseVideoFilename(path.Base(msg.VideoKey)); err == nil {
		status.CamID = v.CamID
	}
	uc.publishStatus(ctx, status, log)

	if err := uc.notifier.NotifyFailure(ctx, msg.VideoKey, cause.Error()); err != nil {
		log.Warn("failure notification not sent", zap.Error(err))
	}

	if err := uc.dlq.PublishToDLQ(ctx, rawMsg, cause.Error()); err != nil {
		return fmt.Errorf("segment failed (%v) and dlq publish failed: %w", cause, err)
	}
	return nil
}

func (uc *ProcessSegmentUseCase) publishStatus(ctx context.Context, status entity.SegmentStatusMessage, log *zap.Logger) {
	data, _ := json.Marshal(status)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}
