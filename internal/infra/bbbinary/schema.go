package bbbinary

import "capnproto.org/go/capnp/v3"

// Struct sizes and field locations of bb_binary.capnp as laid out by the
// Cap'n Proto compiler. Data offsets are in bytes, pointers are indexes into
// the pointer section.
var (
	frameContainerSize = capnp.ObjectSize{DataSize: 32, PointerCount: 3}
	dataSourceSize     = capnp.ObjectSize{DataSize: 8, PointerCount: 2}
	frameSize          = capnp.ObjectSize{DataSize: 32, PointerCount: 1}
	detectionDPSize    = capnp.ObjectSize{DataSize: 32, PointerCount: 2}
)

// FrameContainer
const (
	fcID            capnp.DataOffset = 0
	fcFromTimestamp capnp.DataOffset = 8
	fcToTimestamp   capnp.DataOffset = 16
	fcCamID         capnp.DataOffset = 24
	fcHiveID        capnp.DataOffset = 26

	fcDataSources uint16 = 0
	fcFrames      uint16 = 1
)

// DataSource
const (
	dsIdx capnp.DataOffset = 0

	dsFilename uint16 = 0
)

// Frame
const (
	frameID            capnp.DataOffset = 0
	frameDataSourceIdx capnp.DataOffset = 8
	frameTimedelta     capnp.DataOffset = 12
	frameTimestamp     capnp.DataOffset = 16
	frameDetectionsTag capnp.DataOffset = 24
	frameFrameIdx      capnp.DataOffset = 28

	// detectionsUnion members share one pointer
	frameDetections uint16 = 0
)

// detectionsUnion discriminant values
const (
	detectionsCVP   uint16 = 0
	detectionsDP    uint16 = 1
	detectionsTruth uint16 = 2
)

// DetectionDP
const (
	dpIdx               capnp.DataOffset = 0
	dpXPos              capnp.DataOffset = 2
	dpYPos              capnp.DataOffset = 4
	dpXPosHive          capnp.DataOffset = 6
	dpYPosHive          capnp.DataOffset = 8
	dpZRotation         capnp.DataOffset = 12
	dpYRotation         capnp.DataOffset = 16
	dpXRotation         capnp.DataOffset = 20
	dpRadius            capnp.DataOffset = 24
	dpLocalizerSaliency capnp.DataOffset = 28

	dpDecodedID uint16 = 0
)
