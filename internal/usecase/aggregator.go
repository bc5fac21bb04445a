package usecase

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/beesbook/bb-ingest-service/internal/domain/port"
)

// Aggregator collects detection results of one camera and, on Finalize,
// hands a single sorted container to the repository. Add is not safe for
// concurrent use; an Aggregator is owned by one worker until Finalize.
type Aggregator struct {
	repo    port.ContainerRepository
	camID   uint16
	lock    sync.Locker
	entropy io.Reader

	sources   []entity.DataSource
	sourceIdx map[string]int
	pending   []pendingFrame
	finalized bool
}

type pendingFrame struct {
	sourceIdx int
	result    *entity.DetectionResult
	timestamp float64
}

type AggregatorOption func(*Aggregator)

// WithEntropy replaces crypto/rand as the source of container ids.
func WithEntropy(r io.Reader) AggregatorOption {
	return func(a *Aggregator) { a.entropy = r }
}

func NewAggregator(repo port.ContainerRepository, camID uint16, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		repo:      repo,
		camID:     camID,
		entropy:   rand.Reader,
		sourceIdx: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewLockedAggregator returns an Aggregator whose Finalize builds and appends
// the container while holding mu. All aggregators writing to the same
// repository must share mu.
func NewLockedAggregator(repo port.ContainerRepository, camID uint16, mu sync.Locker, opts ...AggregatorOption) *Aggregator {
	a := NewAggregator(repo, camID, opts...)
	a.lock = mu
	return a
}

// Add records the detections of one frame. Frames may arrive in any order.
func (a *Aggregator) Add(source entity.DataSource, result *entity.DetectionResult, timestamp float64) error {
	if a.finalized {
		return entity.ErrFinalized
	}
	if math.IsNaN(timestamp) || math.IsInf(timestamp, 0) {
		return fmt.Errorf("%w: %v", entity.ErrInvalidTimestamp, timestamp)
	}

	idx, ok := a.sourceIdx[source.Filename]
	if !ok {
		idx = len(a.sources)
		a.sources = append(a.sources, source)
		a.sourceIdx[source.Filename] = idx
	}

	a.pending = append(a.pending, pendingFrame{sourceIdx: idx, result: result, timestamp: timestamp})
	return nil
}

// Len returns the number of frames added so far.
func (a *Aggregator) Len() int { return len(a.pending) }

// Finalize builds the container and appends it to the repository. It may be
// called once; later calls and Adds fail with entity.ErrFinalized. On error
// the aggregator has not appended anything.
func (a *Aggregator) Finalize(ctx context.Context) (*entity.Container, error) {
	if a.finalized {
		return nil, entity.ErrFinalized
	}
	a.finalized = true

	if a.lock != nil {
		a.lock.Lock()
		defer a.lock.Unlock()
	}

	c, err := a.build()
	if err != nil {
		return nil, err
	}
	if err := a.repo.Append(ctx, c); err != nil {
		return nil, fmt.Errorf("append container %x: %w", c.ID, err)
	}
	return c, nil
}

func (a *Aggregator) build() (*entity.Container, error) {
	if len(a.pending) == 0 {
		return nil, entity.ErrEmptyContainer
	}

	sort.SliceStable(a.pending, func(i, j int) bool {
		return a.pending[i].timestamp < a.pending[j].timestamp
	})

	frames := make([]entity.Frame, len(a.pending))
	for i, p := range a.pending {
		dets, err := encodeDetections(p.result)
		if err != nil {
			return nil, fmt.Errorf("frame at %f: %w", p.timestamp, err)
		}
		frames[i] = entity.Frame{
			DataSourceIdx: uint32(p.sourceIdx),
			FrameIdx:      uint32(i),
			Timestamp:     p.timestamp,
			Detections:    dets,
		}
	}

	id, err := UniqueID(a.entropy)
	if err != nil {
		return nil, err
	}

	return &entity.Container{
		ID:            id,
		CamID:         a.camID,
		FromTimestamp: frames[0].Timestamp,
		ToTimestamp:   frames[len(frames)-1].Timestamp,
		DataSources:   append([]entity.DataSource(nil), a.sources...),
		Frames:        frames,
	}, nil
}

func encodeDetections(result *entity.DetectionResult) ([]entity.DetectionDP, error) {
	if result == nil {
		return []entity.DetectionDP{}, nil
	}
	if len(result.Detections) > math.MaxUint16+1 {
		return nil, fmt.Errorf("%w: %d detections in one frame", entity.ErrInvalidDetection, len(result.Detections))
	}

	out := make([]entity.DetectionDP, len(result.Detections))
	for i, d := range result.Detections {
		var pos [4]uint16
		for k, v := range [4]float64{d.X, d.Y, d.HiveX, d.HiveY} {
			p, err := truncate(v)
			if err != nil {
				return nil, fmt.Errorf("detection %d: %w", i, err)
			}
			pos[k] = p
		}

		bits := make([]uint8, len(d.IDBits))
		for j, p := range d.IDBits {
			bits[j] = IDBit(p)
		}

		out[i] = entity.DetectionDP{
			Idx:               uint16(i),
			XPos:              pos[0],
			YPos:              pos[1],
			XPosHive:          pos[2],
			YPosHive:          pos[3],
			ZRotation:         float32(d.ZRotation),
			YRotation:         float32(d.YRotation),
			XRotation:         float32(d.XRotation),
			LocalizerSaliency: float32(d.Saliency),
			Radius:            float32(d.Radius),
			DecodedID:         bits,
		}
	}
	return out, nil
}

// truncate converts a position toward zero. Stored positions are unsigned
// 16 bit, so anything that does not truncate into [0, 65535] is rejected.
func truncate(v float64) (uint16, error) {
	if math.IsNaN(v) || v <= -1 || v >= math.MaxUint16+1 {
		return 0, fmt.Errorf("%w: position %v", entity.ErrInvalidDetection, v)
	}
	return uint16(int32(v)), nil
}

// IDBit stores a bit probability as round(255*p), halves rounded up and the
// result clamped to [0,255]. NaN maps to 0.
func IDBit(p float64) uint8 {
	v := math.Floor(255*p + 0.5)
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

// UniqueID draws 128 random bits from entropy, hashes them with SHA-1 and
// keeps the low 64 bits of the big-endian digest.
func UniqueID(entropy io.Reader) (uint64, error) {
	var seed [16]byte
	if _, err := io.ReadFull(entropy, seed[:]); err != nil {
		return 0, fmt.Errorf("read container id entropy: %w", err)
	}
	sum := sha1.Sum(seed[:])
	return binary.BigEndian.Uint64(sum[len(sum)-8:]), nil
}
