package usecase

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/sha1"
	"errors"
	"math"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu         sync.Mutex
	containers []*entity.Container
	err        error

	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (r *fakeRepo) Append(_ context.Context, c *entity.Container) error {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)
	time.Sleep(r.delay)

	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers = append(r.containers, c)
	return nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

func result(dets ...entity.Detection) *entity.DetectionResult {
	return &entity.DetectionResult{Detections: dets}
}

func TestFinalizeSortsFramesByTimestamp(t *testing.T) {
	repo := &fakeRepo{}
	agg := NewAggregator(repo, 1)
	src := entity.DataSource{Filename: "a.mkv"}

	timestamps := make([]float64, 50)
	for i := range timestamps {
		timestamps[i] = 1420070400 + float64(i)/3
	}
	shuffled := append([]float64(nil), timestamps...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, ts := range shuffled {
		require.NoError(t, agg.Add(src, result(), ts))
	}

	c, err := agg.Finalize(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Frames, len(timestamps))
	for i, f := range c.Frames {
		assert.Equal(t, uint32(i), f.FrameIdx)
		assert.Equal(t, timestamps[i], f.Timestamp)
	}
	assert.Equal(t, timestamps[0], c.FromTimestamp)
	assert.Equal(t, timestamps[len(timestamps)-1], c.ToTimestamp)
	assert.Equal(t, uint16(1), c.CamID)

	require.Equal(t, 1, repo.count())
	assert.Same(t, c, repo.containers[0])
}

func TestFinalizeIsStableForEqualTimestamps(t *testing.T) {
	agg := NewAggregator(&fakeRepo{}, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, result(entity.Detection{X: float64(i)}), 10))
	}

	c, err := agg.Finalize(context.Background())
	require.NoError(t, err)
	for i, f := range c.Frames {
		assert.Equal(t, uint16(i), f.Detections[0].XPos)
	}
}

func TestAddDeduplicatesSources(t *testing.T) {
	agg := NewAggregator(&fakeRepo{}, 0)
	a := entity.DataSource{Filename: "a.mkv"}
	b := entity.DataSource{Filename: "b.mkv"}

	require.NoError(t, agg.Add(b, nil, 5))
	require.NoError(t, agg.Add(a, nil, 1))
	require.NoError(t, agg.Add(b, nil, 3))
	require.NoError(t, agg.Add(a, nil, 2))

	c, err := agg.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []entity.DataSource{b, a}, c.DataSources)

	for _, f := range c.Frames {
		src := c.DataSources[f.DataSourceIdx].Filename
		if f.Timestamp == 1 || f.Timestamp == 2 {
			assert.Equal(t, "a.mkv", src)
		} else {
			assert.Equal(t, "b.mkv", src)
		}
	}
}

func TestSingleFrameContainer(t *testing.T) {
	agg := NewAggregator(&fakeRepo{}, 0)
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, 42.5))

	c, err := agg.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.5, c.FromTimestamp)
	assert.Equal(t, 42.5, c.ToTimestamp)
	assert.Empty(t, c.Frames[0].Detections)
}

func TestFinalizeEncodesDetections(t *testing.T) {
	agg := NewAggregator(&fakeRepo{}, 0)
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, result(
		entity.Detection{
			X: 1.2, Y: 3.9, HiveX: 4.7, HiveY: 8.99,
			ZRotation: 0.1, YRotation: 0.2, XRotation: 0.3,
			Saliency: 0.9, Radius: 23.5,
			IDBits: []float64{1, 0, 0.5, 0.2, 1.2, -0.1},
		},
		entity.Detection{X: 5.0, Y: 5.0},
	), 1))

	c, err := agg.Finalize(context.Background())
	require.NoError(t, err)
	dets := c.Frames[0].Detections
	require.Len(t, dets, 2)

	d := dets[0]
	assert.Equal(t, uint16(0), d.Idx)
	assert.Equal(t, uint16(1), d.XPos)
	assert.Equal(t, uint16(3), d.YPos)
	assert.Equal(t, uint16(4), d.XPosHive)
	assert.Equal(t, uint16(8), d.YPosHive)
	assert.Equal(t, float32(0.1), d.ZRotation)
	assert.Equal(t, float32(0.2), d.YRotation)
	assert.Equal(t, float32(0.3), d.XRotation)
	assert.Equal(t, float32(0.9), d.LocalizerSaliency)
	assert.Equal(t, float32(23.5), d.Radius)
	assert.Equal(t, []uint8{255, 0, 128, 51, 255, 0}, d.DecodedID)

	assert.Equal(t, uint16(1), dets[1].Idx)
	assert.Equal(t, uint16(5), dets[1].XPos)
	assert.Equal(t, uint16(5), dets[1].YPos)
}

func TestFinalizePositionRange(t *testing.T) {
	agg := NewAggregator(&fakeRepo{}, 0)
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, result(
		entity.Detection{X: -0.5, Y: 65535.9},
	), 1))
	c, err := agg.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(0), c.Frames[0].Detections[0].XPos)
	assert.Equal(t, uint16(65535), c.Frames[0].Detections[0].YPos)

	for _, v := range []float64{-1, -4.7, 65536, math.Inf(1)} {
		repo := &fakeRepo{}
		agg := NewAggregator(repo, 0)
		require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, result(entity.Detection{HiveX: v}), 1))
		_, err := agg.Finalize(context.Background())
		assert.ErrorIs(t, err, entity.ErrInvalidDetection, "position %v", v)
		assert.Zero(t, repo.count())
	}
}

func TestIDBit(t *testing.T) {
	assert.Equal(t, uint8(255), IDBit(1.0))
	assert.Equal(t, uint8(0), IDBit(0.0))
	assert.Equal(t, uint8(128), IDBit(0.5))
	assert.Equal(t, uint8(0), IDBit(math.NaN()))
	assert.Equal(t, uint8(255), IDBit(math.Inf(1)))
	assert.Equal(t, uint8(0), IDBit(math.Inf(-1)))
}

func TestFinalizeTwiceIsRejected(t *testing.T) {
	repo := &fakeRepo{}
	agg := NewAggregator(repo, 0)
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, 1))

	_, err := agg.Finalize(context.Background())
	require.NoError(t, err)

	_, err = agg.Finalize(context.Background())
	assert.ErrorIs(t, err, entity.ErrFinalized)
	assert.ErrorIs(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, 2), entity.ErrFinalized)
	assert.Equal(t, 1, repo.count())
}

func TestFinalizeEmptyContainer(t *testing.T) {
	repo := &fakeRepo{}
	_, err := NewAggregator(repo, 0).Finalize(context.Background())
	assert.ErrorIs(t, err, entity.ErrEmptyContainer)
	assert.Zero(t, repo.count())
}

func TestFinalizeInvalidDetectionLeavesRepoUntouched(t *testing.T) {
	repo := &fakeRepo{}
	agg := NewAggregator(repo, 0)
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, result(entity.Detection{X: math.NaN()}), 1))

	_, err := agg.Finalize(context.Background())
	assert.ErrorIs(t, err, entity.ErrInvalidDetection)
	assert.Zero(t, repo.count())
}

func TestAddRejectsNonFiniteTimestamp(t *testing.T) {
	agg := NewAggregator(&fakeRepo{}, 0)
	assert.ErrorIs(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, math.NaN()), entity.ErrInvalidTimestamp)
	assert.ErrorIs(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, math.Inf(1)), entity.ErrInvalidTimestamp)
	assert.Zero(t, agg.Len())
}

func TestFinalizeEntropyFailure(t *testing.T) {
	repo := &fakeRepo{}
	agg := NewAggregator(repo, 0, WithEntropy(bytes.NewReader([]byte{1, 2, 3})))
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, 1))

	_, err := agg.Finalize(context.Background())
	assert.Error(t, err)
	assert.Zero(t, repo.count())
}

func TestFinalizeRepositoryFailure(t *testing.T) {
	repo := &fakeRepo{err: errors.New("disk full")}
	agg := NewAggregator(repo, 0)
	require.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, 1))

	_, err := agg.Finalize(context.Background())
	assert.ErrorContains(t, err, "disk full")
}

func TestLockedAggregatorsSerializeAppends(t *testing.T) {
	repo := &fakeRepo{delay: 5 * time.Millisecond}
	var mu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			agg := NewLockedAggregator(repo, uint16(w), &mu)
			for i := 0; i < 10; i++ {
				assert.NoError(t, agg.Add(entity.DataSource{Filename: "a.mkv"}, nil, float64(i)))
			}
			_, err := agg.Finalize(context.Background())
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 8, repo.count())
	assert.False(t, repo.overlap.Load())
}

func TestUniqueIDKeepsLowBitsOfDigest(t *testing.T) {
	seed := bytes.Repeat([]byte{0xab}, 16)
	id, err := UniqueID(bytes.NewReader(seed))
	require.NoError(t, err)

	sum := sha1.Sum(seed)
	digest := new(big.Int).SetBytes(sum[:])
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1))
	assert.Equal(t, new(big.Int).And(digest, mask).Uint64(), id)
}

func TestUniqueIDNoCollisions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping collision trial in short mode")
	}
	const trials = 1_000_000
	seen := make(map[uint64]struct{}, trials)
	for i := 0; i < trials; i++ {
		id, err := UniqueID(crand.Reader)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "collision after %d ids", i)
		seen[id] = struct{}{}
	}
}
