package entity

import (
	"errors"
	"fmt"
)

// Error taxonomy of the ingest pipeline. Every error is fatal to the segment
// being processed; classify with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported video format", ErrConfiguration)
	ErrFraming           = errors.New("framing error")
	ErrNotFound          = errors.New("not found")
	ErrAlignment         = errors.New("frame/timestamp alignment error")

	ErrFinalized        = errors.New("aggregator already finalized")
	ErrEmptyContainer   = errors.New("container has no frames")
	ErrInvalidDetection = errors.New("invalid detection")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidFilename  = errors.New("invalid filename")
)
