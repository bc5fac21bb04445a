package entity

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	imageTimeLayout = "20060102150405"
	videoSeparator  = "_TO_"
	// ImageExt is the extension of still images listed in the day logs.
	ImageExt = ".jpeg"
)

// ImageName formats the basename (without extension) of a still image:
// Cam_<cam>_<YYYYMMDDhhmmss>_<microseconds, 6 digits>. With the fixed width
// lexicographic and chronological order are identical.
func ImageName(cam int, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("Cam_%d_%s_%06d", cam, ts.Format(imageTimeLayout), ts.Nanosecond()/1000)
}

// ParseImageFilename extracts the camera id and UTC instant of a still image
// name. Directories and the extension are ignored.
func ParseImageFilename(name string) (int, time.Time, error) {
	base := strings.TrimSuffix(filepath.Base(strings.TrimSpace(name)), filepath.Ext(name))
	parts := strings.Split(base, "_")
	if len(parts) != 4 || parts[0] != "Cam" {
		return 0, time.Time{}, fmt.Errorf("%w: image %q", ErrInvalidFilename, name)
	}

	cam, err := strconv.Atoi(parts[1])
	if err != nil || cam < 0 {
		return 0, time.Time{}, fmt.Errorf("%w: camera id in %q", ErrInvalidFilename, name)
	}

	ts, err := time.ParseInLocation(imageTimeLayout, parts[2], time.UTC)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: timestamp in %q: %v", ErrInvalidFilename, name, err)
	}

	// written names are zero padded, older recordings are not
	us, err := strconv.Atoi(parts[3])
	if err != nil || us < 0 || us >= 1e6 {
		return 0, time.Time{}, fmt.Errorf("%w: microseconds in %q", ErrInvalidFilename, name)
	}

	return cam, ts.Add(time.Duration(us) * time.Microsecond), nil
}

// VideoName describes a video segment named <startImage>_TO_<endImage>.<ext>.
type VideoName struct {
	CamID      int
	Start      time.Time
	End        time.Time
	StartImage string
	EndImage   string
}

// ParseVideoFilename splits a video segment name into its start and end
// image names and parses both.
func ParseVideoFilename(name string) (VideoName, error) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	parts := strings.Split(base, videoSeparator)
	if len(parts) != 2 {
		return VideoName{}, fmt.Errorf("%w: video %q", ErrInvalidFilename, name)
	}

	cam, start, err := ParseImageFilename(parts[0])
	if err != nil {
		return VideoName{}, err
	}
	endCam, end, err := ParseImageFilename(parts[1])
	if err != nil {
		return VideoName{}, err
	}
	if cam != endCam {
		return VideoName{}, fmt.Errorf("%w: video %q spans cameras %d and %d", ErrInvalidFilename, name, cam, endCam)
	}
	if end.Before(start) {
		return VideoName{}, fmt.Errorf("%w: video %q ends before it starts", ErrInvalidFilename, name)
	}

	return VideoName{
		CamID:      cam,
		Start:      start,
		End:        end,
		StartImage: parts[0],
		EndImage:   parts[1],
	}, nil
}

// UnixSeconds converts t to fractional UTC seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
