package entity

// SegmentStatus is the outcome of processing one video segment.
type SegmentStatus string

const (
	SegmentStatusCompleted SegmentStatus = "COMPLETED"
	SegmentStatusFailed    SegmentStatus = "FAILED"
)

// SegmentMessage is the inbound message from the segment queue. CamID
// overrides the camera parsed from the video name when set.
type SegmentMessage struct {
	VideoKey string `json:"video_key"`
	CamID    *int   `json:"cam_id,omitempty"`
}

// SegmentStatusMessage is published once per segment on segment.status.
type SegmentStatusMessage struct {
	VideoKey      string        `json:"video_key"`
	Status        SegmentStatus `json:"status"`
	ContainerID   string        `json:"container_id,omitempty"`
	CamID         int           `json:"cam_id"`
	FrameCount    int           `json:"frame_count,omitempty"`
	FromTimestamp float64       `json:"from_timestamp,omitempty"`
	ToTimestamp   float64       `json:"to_timestamp,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// ContainerStoredMessage announces a container that reached the repository.
type ContainerStoredMessage struct {
	ContainerID    string   `json:"container_id"`
	CamID          uint16   `json:"cam_id"`
	FromTimestamp  float64  `json:"from_timestamp"`
	ToTimestamp    float64  `json:"to_timestamp"`
	ObjectKey      string   `json:"object_key"`
	FrameCount     int      `json:"frame_count"`
	DetectionCount int      `json:"detection_count"`
	DataSources    []string `json:"data_sources"`
}
