package filelist

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"go.uber.org/zap"
)

// NamingScheme selects how the per-day image lists are laid out.
type NamingScheme string

const (
	// SchemeFlat stores one YYYYMMDD.txt per day.
	SchemeFlat NamingScheme = "2014"
	// SchemeNested stores YYYYMMDD/images.txt per day.
	SchemeNested NamingScheme = "2015"
)

func ParseNamingScheme(s string) (NamingScheme, error) {
	switch NamingScheme(s) {
	case SchemeFlat, SchemeNested:
		return NamingScheme(s), nil
	default:
		return "", fmt.Errorf("%w: unknown list naming scheme %q", entity.ErrConfiguration, s)
	}
}

// Aligner maps video segments to the capture timestamps of their frames
// using the daily image lists written by the recording software.
type Aligner struct {
	root   string
	scheme NamingScheme
	loc    *time.Location
	logger *zap.Logger
}

func NewAligner(root string, scheme NamingScheme, loc *time.Location, logger *zap.Logger) *Aligner {
	if loc == nil {
		loc = time.UTC
	}
	return &Aligner{root: root, scheme: scheme, loc: loc, logger: logger}
}

// Timestamps returns the UTC capture time, in seconds, of every image between
// the segment's first and last image inclusive. Image names must sort
// chronologically.
func (a *Aligner) Timestamps(videoName string) ([]float64, error) {
	video, err := entity.ParseVideoFilename(videoName)
	if err != nil {
		return nil, err
	}

	names := []string{a.listName(video.Start)}
	if end := a.listName(video.End); end != names[0] {
		names = append(names, end)
	}

	var lines []string
	for _, name := range names {
		p, err := findList(a.root, name)
		if err != nil {
			return nil, err
		}
		l, err := readLines(p)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l...)
	}
	slices.Sort(lines)

	first := indexOfImage(lines, video.StartImage+entity.ImageExt)
	if first < 0 {
		return nil, fmt.Errorf("%w: image %s not listed in %v", entity.ErrNotFound, video.StartImage, names)
	}
	last := indexOfImage(lines, video.EndImage+entity.ImageExt)
	if last < 0 {
		return nil, fmt.Errorf("%w: image %s not listed in %v", entity.ErrNotFound, video.EndImage, names)
	}
	if last < first {
		return nil, fmt.Errorf("%w: image %s sorts before %s", entity.ErrAlignment, video.EndImage, video.StartImage)
	}

	timestamps := make([]float64, 0, last-first+1)
	for _, line := range lines[first : last+1] {
		_, ts, err := entity.ParseImageFilename(line)
		if err != nil {
			return nil, err
		}
		timestamps = append(timestamps, entity.UnixSeconds(ts))
	}

	a.logger.Debug("timestamps aligned",
		zap.String("video", video.StartImage),
		zap.Strings("lists", names),
		zap.Int("count", len(timestamps)),
	)
	return timestamps, nil
}

func (a *Aligner) listName(t time.Time) string {
	day := t.In(a.loc).Format("20060102")
	if a.scheme == SchemeFlat {
		return day + ".txt"
	}
	return path.Join(day, "images.txt")
}

// findList walks root for a file whose trailing path segments equal name.
func findList(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == name || strings.HasSuffix(rel, "/"+name) {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: list %s under %s", entity.ErrNotFound, name, root)
	}
	return found, nil
}

func readLines(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", entity.ErrNotFound, p)
		}
		return nil, fmt.Errorf("open list: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read list %s: %w", p, err)
	}
	return lines, nil
}

func indexOfImage(lines []string, image string) int {
	return slices.IndexFunc(lines, func(l string) bool {
		return path.Base(filepath.ToSlash(l)) == image
	})
}
