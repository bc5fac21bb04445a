package entity

// Detection is one marker found by the upstream detector. Positions are in
// image pixels, hive positions in hive coordinates; IDBits holds one
// probability in [0,1] per bit of the decoded identity.
type Detection struct {
	X, Y         float64
	HiveX, HiveY float64
	ZRotation    float64
	YRotation    float64
	XRotation    float64
	Saliency     float64
	Radius       float64
	IDBits       []float64
}

// DetectionResult is what the detector returns for a single frame.
type DetectionResult struct {
	Detections []Detection
}

// RawFrame is a single 8-bit gray image. Pix may be reused by the producer
// once the next frame is requested.
type RawFrame struct {
	Index  int
	Width  int
	Height int
	Pix    []byte
}
