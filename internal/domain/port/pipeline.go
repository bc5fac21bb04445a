package port

import (
	"context"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
)

// FrameSource is a forward-only sequence of frames. Next returns io.EOF once
// the sequence is exhausted. Close must be called on every path.
type FrameSource interface {
	Next() (entity.RawFrame, error)
	Frames() int
	Close() error
}

type VideoOpener interface {
	Open(ctx context.Context, videoPath string) (FrameSource, error)
}

type TimestampAligner interface {
	Timestamps(videoName string) ([]float64, error)
}

type Detector interface {
	Detect(ctx context.Context, frame entity.RawFrame) (*entity.DetectionResult, error)
}
