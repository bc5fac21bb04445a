// Package bbbinary encodes frame containers as bb_binary FrameContainer
// messages: single-segment, unpacked Cap'n Proto with the schema in
// bb_binary.capnp. Detections are always written as the detectionsDP member
// of a frame's detectionsUnion.
package bbbinary

import (
	"errors"
	"fmt"
	"math"

	"capnproto.org/go/capnp/v3"
	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
)

const (
	// Format tags stored objects.
	Format = "bb_binary/FrameContainer"
	// FileExt is the object name suffix of encoded containers.
	FileExt = ".bbb"
)

var (
	ErrMalformed          = fmt.Errorf("%w: bbbinary: malformed container", entity.ErrFraming)
	ErrUnsupportedVariant = errors.New("bbbinary: frame detections are not detectionsDP")
	ErrTooLarge           = errors.New("bbbinary: list too long")
)

// Encode serializes c into a FrameContainer message.
func Encode(c *entity.Container) ([]byte, error) {
	if len(c.DataSources) > math.MaxInt32 || len(c.Frames) > math.MaxInt32 {
		return nil, ErrTooLarge
	}

	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, fmt.Errorf("bbbinary: new message: %w", err)
	}
	fc, err := capnp.NewRootStruct(seg, frameContainerSize)
	if err != nil {
		return nil, fmt.Errorf("bbbinary: root: %w", err)
	}

	fc.SetUint64(fcID, c.ID)
	fc.SetUint64(fcFromTimestamp, math.Float64bits(c.FromTimestamp))
	fc.SetUint64(fcToTimestamp, math.Float64bits(c.ToTimestamp))
	fc.SetUint16(fcCamID, c.CamID)

	sources, err := capnp.NewCompositeList(seg, dataSourceSize, int32(len(c.DataSources)))
	if err != nil {
		return nil, fmt.Errorf("bbbinary: data sources: %w", err)
	}
	for i, ds := range c.DataSources {
		s := sources.Struct(i)
		s.SetUint16(dsIdx, uint16(i))
		if err := s.SetText(dsFilename, ds.Filename); err != nil {
			return nil, fmt.Errorf("bbbinary: data source %d: %w", i, err)
		}
	}
	if err := fc.SetPtr(fcDataSources, sources.ToPtr()); err != nil {
		return nil, err
	}

	frames, err := capnp.NewCompositeList(seg, frameSize, int32(len(c.Frames)))
	if err != nil {
		return nil, fmt.Errorf("bbbinary: frames: %w", err)
	}
	for i := range c.Frames {
		if err := encodeFrame(frames.Struct(i), &c.Frames[i]); err != nil {
			return nil, fmt.Errorf("bbbinary: frame %d: %w", i, err)
		}
	}
	if err := fc.SetPtr(fcFrames, frames.ToPtr()); err != nil {
		return nil, err
	}

	return msg.Marshal()
}

func encodeFrame(s capnp.Struct, f *entity.Frame) error {
	if len(f.Detections) > math.MaxInt32 {
		return ErrTooLarge
	}
	s.SetUint32(frameDataSourceIdx, f.DataSourceIdx)
	s.SetUint32(frameFrameIdx, f.FrameIdx)
	s.SetUint64(frameTimestamp, math.Float64bits(f.Timestamp))
	s.SetUint16(frameDetectionsTag, detectionsDP)

	dets, err := capnp.NewCompositeList(s.Segment(), detectionDPSize, int32(len(f.Detections)))
	if err != nil {
		return err
	}
	for i, d := range f.Detections {
		ds := dets.Struct(i)
		ds.SetUint16(dpIdx, d.Idx)
		ds.SetUint16(dpXPos, d.XPos)
		ds.SetUint16(dpYPos, d.YPos)
		ds.SetUint16(dpXPosHive, d.XPosHive)
		ds.SetUint16(dpYPosHive, d.YPosHive)
		ds.SetUint32(dpZRotation, math.Float32bits(d.ZRotation))
		ds.SetUint32(dpYRotation, math.Float32bits(d.YRotation))
		ds.SetUint32(dpXRotation, math.Float32bits(d.XRotation))
		ds.SetUint32(dpRadius, math.Float32bits(d.Radius))
		ds.SetUint32(dpLocalizerSaliency, math.Float32bits(d.LocalizerSaliency))

		ids, err := capnp.NewUInt8List(s.Segment(), int32(len(d.DecodedID)))
		if err != nil {
			return err
		}
		for j, b := range d.DecodedID {
			ids.Set(j, b)
		}
		if err := ds.SetPtr(dpDecodedID, capnp.List(ids).ToPtr()); err != nil {
			return err
		}
	}
	return s.SetPtr(frameDetections, dets.ToPtr())
}

// Decode parses a FrameContainer message. Frames holding any detections
// variant other than detectionsDP are rejected.
func Decode(data []byte) (*entity.Container, error) {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	root, err := msg.Root()
	if err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrMalformed, err)
	}
	fc := root.Struct()

	c := &entity.Container{
		ID:            fc.Uint64(fcID),
		CamID:         fc.Uint16(fcCamID),
		FromTimestamp: math.Float64frombits(fc.Uint64(fcFromTimestamp)),
		ToTimestamp:   math.Float64frombits(fc.Uint64(fcToTimestamp)),
	}

	p, err := fc.Ptr(fcDataSources)
	if err != nil {
		return nil, fmt.Errorf("%w: data sources: %v", ErrMalformed, err)
	}
	sources := p.List()
	c.DataSources = make([]entity.DataSource, sources.Len())
	for i := range c.DataSources {
		fp, err := sources.Struct(i).Ptr(dsFilename)
		if err != nil {
			return nil, fmt.Errorf("%w: data source %d: %v", ErrMalformed, i, err)
		}
		c.DataSources[i].Filename = fp.Text()
	}

	p, err = fc.Ptr(fcFrames)
	if err != nil {
		return nil, fmt.Errorf("%w: frames: %v", ErrMalformed, err)
	}
	frames := p.List()
	c.Frames = make([]entity.Frame, frames.Len())
	for i := range c.Frames {
		if err := decodeFrame(frames.Struct(i), &c.Frames[i]); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return c, nil
}

func decodeFrame(s capnp.Struct, f *entity.Frame) error {
	f.DataSourceIdx = s.Uint32(frameDataSourceIdx)
	f.FrameIdx = s.Uint32(frameFrameIdx)
	f.Timestamp = math.Float64frombits(s.Uint64(frameTimestamp))

	if tag := s.Uint16(frameDetectionsTag); tag != detectionsDP {
		return fmt.Errorf("%w: union tag %d", ErrUnsupportedVariant, tag)
	}
	p, err := s.Ptr(frameDetections)
	if err != nil {
		return fmt.Errorf("%w: detections: %v", ErrMalformed, err)
	}
	dets := p.List()
	f.Detections = make([]entity.DetectionDP, dets.Len())
	for i := range f.Detections {
		ds := dets.Struct(i)
		ip, err := ds.Ptr(dpDecodedID)
		if err != nil {
			return fmt.Errorf("%w: detection %d: %v", ErrMalformed, i, err)
		}
		ids := capnp.UInt8List(ip.List())
		bits := make([]uint8, ids.Len())
		for j := range bits {
			bits[j] = ids.At(j)
		}

		f.Detections[i] = entity.DetectionDP{
			Idx:               ds.Uint16(dpIdx),
			XPos:              ds.Uint16(dpXPos),
			YPos:              ds.Uint16(dpYPos),
			XPosHive:          ds.Uint16(dpXPosHive),
			YPosHive:          ds.Uint16(dpYPosHive),
			ZRotation:         math.Float32frombits(ds.Uint32(dpZRotation)),
			YRotation:         math.Float32frombits(ds.Uint32(dpYRotation)),
			XRotation:         math.Float32frombits(ds.Uint32(dpXRotation)),
			Radius:            math.Float32frombits(ds.Uint32(dpRadius)),
			LocalizerSaliency: math.Float32frombits(ds.Uint32(dpLocalizerSaliency)),
			DecodedID:         bits,
		}
	}
	return nil
}
