package entity

// DataSource names the origin of a contiguous run of frames, usually the
// video file name. Two sources are the same if their file names are equal.
type DataSource struct {
	Filename string
}

// DetectionDP is the stored form of a Detection. Positions are whole
// pixels.
type DetectionDP struct {
	Idx               uint16
	XPos              uint16
	YPos              uint16
	XPosHive          uint16
	YPosHive          uint16
	ZRotation         float32
	YRotation         float32
	XRotation         float32
	LocalizerSaliency float32
	Radius            float32
	DecodedID         []uint8
}

// Frame is one timestamped record inside a Container.
type Frame struct {
	DataSourceIdx uint32
	FrameIdx      uint32
	Timestamp     float64
	Detections    []DetectionDP
}

// Container bundles the frames of one camera over a time range. Frames are
// ordered by Timestamp and FrameIdx equals the position in Frames.
type Container struct {
	ID            uint64
	CamID         uint16
	FromTimestamp float64
	ToTimestamp   float64
	DataSources   []DataSource
	Frames        []Frame
}

// DetectionCount sums detections over all frames.
func (c *Container) DetectionCount() int {
	n := 0
	for i := range c.Frames {
		n += len(c.Frames[i].Detections)
	}
	return n
}
