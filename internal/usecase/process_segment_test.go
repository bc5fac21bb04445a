package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/beesbook/bb-ingest-service/internal/domain/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStorage struct{ err error }

func (s fakeStorage) DownloadVideo(_ context.Context, _ string, dest string) error {
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(dest, nil, 0o644)
}

type sliceSource struct {
	frames  int
	trailer error
	next    int
	closed  bool
}

func (s *sliceSource) Next() (entity.RawFrame, error) {
	if s.next >= s.frames {
		if s.trailer != nil {
			return entity.RawFrame{}, s.trailer
		}
		return entity.RawFrame{}, io.EOF
	}
	f := entity.RawFrame{Index: s.next, Width: 2, Height: 1, Pix: []byte{byte(s.next), 0}}
	s.next++
	return f, nil
}

func (s *sliceSource) Frames() int  { return s.next }
func (s *sliceSource) Close() error { s.closed = true; return nil }

type fakeOpener struct {
	src  *sliceSource
	path string
}

func (o *fakeOpener) Open(_ context.Context, p string) (port.FrameSource, error) {
	o.path = p
	return o.src, nil
}

type fakeAligner struct {
	timestamps []float64
	err        error
}

func (a fakeAligner) Timestamps(string) ([]float64, error) { return a.timestamps, a.err }

type fakeDetector struct{}

func (fakeDetector) Detect(_ context.Context, f entity.RawFrame) (*entity.DetectionResult, error) {
	return &entity.DetectionResult{Detections: []entity.Detection{{X: float64(f.Pix[0]) + 0.7, IDBits: []float64{1}}}}, nil
}

type recorder struct {
	mu      sync.Mutex
	status  [][]byte
	dlq     []string
	notices []string
}

func (r *recorder) PublishStatus(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, msg)
	return nil
}

func (r *recorder) PublishToDLQ(_ context.Context, _ []byte, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlq = append(r.dlq, reason)
	return nil
}

func (r *recorder) NotifyFailure(_ context.Context, videoKey, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, videoKey)
	return nil
}

func (r *recorder) lastStatus(t *testing.T) entity.SegmentStatusMessage {
	t.Helper()
	require.NotEmpty(t, r.status)
	var msg entity.SegmentStatusMessage
	require.NoError(t, json.Unmarshal(r.status[len(r.status)-1], &msg))
	return msg
}

var segStart = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

func segmentKey() string {
	return "cam2/" + entity.ImageName(2, segStart) + "_TO_" + entity.ImageName(2, segStart.Add(2*time.Second)) + ".mkv"
}

func timestamps(n int) []float64 {
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = entity.UnixSeconds(segStart) + float64(i)
	}
	return ts
}

type fixture struct {
	uc     *ProcessSegmentUseCase
	repo   *fakeRepo
	rec    *recorder
	opener *fakeOpener
}

func newFixture(t *testing.T, src *sliceSource, aligner fakeAligner, storage fakeStorage) fixture {
	t.Helper()
	f := fixture{
		repo:   &fakeRepo{},
		rec:    &recorder{},
		opener: &fakeOpener{src: src},
	}
	f.uc = NewProcessSegmentUseCase(
		storage, f.opener, aligner, fakeDetector{}, f.repo,
		f.rec, f.rec, f.rec,
		zap.NewNop(),
		ProcessSegmentConfig{TempDir: t.TempDir()},
	)
	return f
}

func segmentMessage(t *testing.T, camID *int) []byte {
	t.Helper()
	body, err := json.Marshal(entity.SegmentMessage{VideoKey: segmentKey(), CamID: camID})
	require.NoError(t, err)
	return body
}

func TestExecuteStoresContainer(t *testing.T) {
	src := &sliceSource{frames: 3}
	f := newFixture(t, src, fakeAligner{timestamps: timestamps(3)}, fakeStorage{})

	require.NoError(t, f.uc.Execute(context.Background(), segmentMessage(t, nil)))

	require.Equal(t, 1, f.repo.count())
	c := f.repo.containers[0]
	assert.Equal(t, uint16(2), c.CamID)
	require.Len(t, c.Frames, 3)
	assert.Equal(t, timestamps(3)[0], c.FromTimestamp)
	assert.Equal(t, timestamps(3)[2], c.ToTimestamp)
	assert.Equal(t, uint16(2), c.Frames[2].Detections[0].XPos)
	require.Len(t, c.DataSources, 1)
	assert.Contains(t, c.DataSources[0].Filename, "_TO_")
	assert.True(t, src.closed)

	status := f.rec.lastStatus(t)
	assert.Equal(t, entity.SegmentStatusCompleted, status.Status)
	assert.Equal(t, fmt.Sprintf("%016x", c.ID), status.ContainerID)
	assert.Equal(t, 3, status.FrameCount)
	assert.Empty(t, f.rec.dlq)
}

func TestExecuteCamIDOverride(t *testing.T) {
	f := newFixture(t, &sliceSource{frames: 1}, fakeAligner{timestamps: timestamps(1)}, fakeStorage{})
	cam := 7

	require.NoError(t, f.uc.Execute(context.Background(), segmentMessage(t, &cam)))
	require.Equal(t, 1, f.repo.count())
	assert.Equal(t, uint16(7), f.repo.containers[0].CamID)
}

func TestExecuteAlignmentMismatch(t *testing.T) {
	for name, tc := range map[string]struct{ frames, stamps int }{
		"more frames":     {frames: 4, stamps: 3},
		"more timestamps": {frames: 2, stamps: 3},
	} {
		t.Run(name, func(t *testing.T) {
			src := &sliceSource{frames: tc.frames}
			f := newFixture(t, src, fakeAligner{timestamps: timestamps(tc.stamps)}, fakeStorage{})

			require.NoError(t, f.uc.Execute(context.Background(), segmentMessage(t, nil)))

			assert.Zero(t, f.repo.count())
			require.Len(t, f.rec.dlq, 1)
			assert.Contains(t, f.rec.dlq[0], entity.ErrAlignment.Error())
			assert.Equal(t, entity.SegmentStatusFailed, f.rec.lastStatus(t).Status)
			assert.Equal(t, 2, f.rec.lastStatus(t).CamID)
			assert.Len(t, f.rec.notices, 1)
			assert.True(t, src.closed)
		})
	}
}

func TestExecuteFramingError(t *testing.T) {
	src := &sliceSource{frames: 2, trailer: fmt.Errorf("%w: truncated", entity.ErrFraming)}
	f := newFixture(t, src, fakeAligner{timestamps: timestamps(3)}, fakeStorage{})

	require.NoError(t, f.uc.Execute(context.Background(), segmentMessage(t, nil)))
	assert.Zero(t, f.repo.count())
	require.Len(t, f.rec.dlq, 1)
	assert.Contains(t, f.rec.dlq[0], "framing error")
}

func TestExecuteMissingTimestampLog(t *testing.T) {
	f := newFixture(t, &sliceSource{frames: 1}, fakeAligner{err: entity.ErrNotFound}, fakeStorage{})

	require.NoError(t, f.uc.Execute(context.Background(), segmentMessage(t, nil)))
	assert.Zero(t, f.repo.count())
	assert.Empty(t, f.opener.path, "decoder not started")
	require.Len(t, f.rec.dlq, 1)
}

func TestExecuteRejectsBadMessage(t *testing.T) {
	f := newFixture(t, &sliceSource{}, fakeAligner{}, fakeStorage{})

	require.NoError(t, f.uc.Execute(context.Background(), []byte("{not json")))
	require.NoError(t, f.uc.Execute(context.Background(), []byte(`{"cam_id": 1}`)))
	assert.Len(t, f.rec.dlq, 2)
	assert.Empty(t, f.rec.status)
}

func TestExecuteRejectsUnparsableVideoName(t *testing.T) {
	f := newFixture(t, &sliceSource{}, fakeAligner{}, fakeStorage{})
	body, _ := json.Marshal(entity.SegmentMessage{VideoKey: "cam0/holiday.mkv"})

	require.NoError(t, f.uc.Execute(context.Background(), body))
	require.Len(t, f.rec.dlq, 1)
	assert.Contains(t, f.rec.dlq[0], entity.ErrInvalidFilename.Error())
}
