package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"github.com/beesbook/bb-ingest-service/internal/domain/port"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Reader opens video files as raw 8-bit gray frame streams by running
// ffprobe for the geometry and ffmpeg for the pixels.
type Reader struct {
	ffmpegBin  string
	ffprobeBin string
	logger     *zap.Logger
}

func NewReader(ffmpegBin, ffprobeBin string, logger *zap.Logger) *Reader {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Reader{ffmpegBin: ffmpegBin, ffprobeBin: ffprobeBin, logger: logger}
}

// Open implements port.VideoOpener.
func (r *Reader) Open(ctx context.Context, videoPath string) (port.FrameSource, error) {
	return r.OpenVideo(ctx, videoPath)
}

// OpenVideo probes the video and starts the decoder. The returned stream owns
// the decoder process until Close.
func (r *Reader) OpenVideo(ctx context.Context, videoPath string) (*FrameStream, error) {
	codec, err := codecForExtension(videoPath)
	if err != nil {
		return nil, err
	}

	width, height, err := r.probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	log := r.logger.With(zap.String("video", filepath.Base(videoPath)))
	stderr := &zapio.Writer{Log: log.Named("ffmpeg"), Level: zap.DebugLevel}

	cmd := exec.CommandContext(ctx, r.ffmpegBin, decodeArgs(videoPath, codec)...)
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	log.Debug("decoder started",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("codec", codecLabel(codec)),
	)

	s := newFrameStream(stdout, width, height)
	s.ctx = ctx
	s.cmd = cmd
	s.stderr = stderr
	return s, nil
}

func (r *Reader) probe(ctx context.Context, videoPath string) (int, int, error) {
	cmd := exec.CommandContext(ctx, r.ffprobeBin,
		"-v", "error",
		"-of", "flat=s=_",
		"-select_streams", "v:0",
		"-show_entries", "stream=height,width",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: ffprobe %s: %v", entity.ErrConfiguration, videoPath, err)
	}
	return parseProbeOutput(string(output))
}

// parseProbeOutput reads the two key=value lines ffprobe prints for
// stream=height,width in flat format.
func parseProbeOutput(out string) (int, int, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		return 0, 0, fmt.Errorf("%w: expected 2 probe lines, got %d", entity.ErrConfiguration, len(lines))
	}

	width, height := -1, -1
	for _, line := range lines {
		line = strings.TrimSpace(line)
		idx := strings.LastIndex(line, "=")
		if idx < 0 {
			return 0, 0, fmt.Errorf("%w: malformed probe line %q", entity.ErrConfiguration, line)
		}
		v, err := strconv.Atoi(strings.Trim(line[idx+1:], `"`))
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("%w: bad dimension in %q", entity.ErrConfiguration, line)
		}
		switch key := line[:idx]; {
		case strings.HasSuffix(key, "width"):
			width = v
		case strings.HasSuffix(key, "height"):
			height = v
		default:
			return 0, 0, fmt.Errorf("%w: unexpected probe key %q", entity.ErrConfiguration, key)
		}
	}
	if width < 0 || height < 0 {
		return 0, 0, fmt.Errorf("%w: probe output lacks width or height", entity.ErrConfiguration)
	}
	return width, height, nil
}

// codecForExtension returns the codec to force on the decoder input, or ""
// to let ffmpeg detect it.
func codecForExtension(videoPath string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(videoPath)); ext {
	case ".mkv":
		return "", nil
	case ".avi":
		return "hevc", nil
	default:
		return "", fmt.Errorf("%w: extension %q", entity.ErrUnsupportedFormat, ext)
	}
}

func codecLabel(codec string) string {
	if codec == "" {
		return "auto"
	}
	return codec
}

func decodeArgs(videoPath, codec string) []string {
	args := make([]string, 0, 14)
	if codec != "" {
		args = append(args, "-vcodec", codec)
	}
	return append(args,
		"-i", videoPath,
		"-f", "image2pipe",
		"-pix_fmt", "gray",
		"-vsync", "0",
		"-vcodec", "rawvideo",
		"-",
	)
}

// FrameStream yields width*height byte frames from a decoder pipe. It is not
// safe for concurrent use.
type FrameStream struct {
	ctx    context.Context
	src    io.Reader
	cmd    *exec.Cmd
	stderr *zapio.Writer

	width  int
	height int
	buf    []byte
	frames int

	done     bool
	released bool
	err      error
}

func newFrameStream(src io.Reader, width, height int) *FrameStream {
	return &FrameStream{
		src:    src,
		width:  width,
		height: height,
		buf:    make([]byte, width*height),
	}
}

func (s *FrameStream) Width() int  { return s.width }
func (s *FrameStream) Height() int { return s.height }

// Frames returns how many complete frames were read so far.
func (s *FrameStream) Frames() int { return s.frames }

// Next returns the next frame. The pixel buffer is reused by the following
// call. At the end of the stream Next returns io.EOF; a partial frame yields
// an error wrapping entity.ErrFraming.
func (s *FrameStream) Next() (entity.RawFrame, error) {
	if s.done {
		if s.err != nil {
			return entity.RawFrame{}, s.err
		}
		return entity.RawFrame{}, io.EOF
	}

	n, err := io.ReadFull(s.src, s.buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.done = true
		if cerr := s.cancelled(); cerr != nil {
			_ = s.release(true)
			s.err = fmt.Errorf("decode cancelled after %d frames: %w", s.frames, cerr)
			return entity.RawFrame{}, s.err
		}
		if werr := s.release(false); werr != nil {
			s.err = fmt.Errorf("decoder exited after %d frames: %w", s.frames, werr)
			return entity.RawFrame{}, s.err
		}
		return entity.RawFrame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		_ = s.release(true)
		// a killed decoder leaves a short read behind
		if cerr := s.cancelled(); cerr != nil {
			s.err = fmt.Errorf("decode cancelled in frame %d: %w", s.frames, cerr)
			return entity.RawFrame{}, s.err
		}
		s.err = fmt.Errorf("%w: frame %d truncated at %d of %d bytes", entity.ErrFraming, s.frames, n, len(s.buf))
		return entity.RawFrame{}, s.err
	default:
		s.done = true
		_ = s.release(true)
		s.err = fmt.Errorf("read frame %d: %w", s.frames, err)
		return entity.RawFrame{}, s.err
	}

	frame := entity.RawFrame{
		Index:  s.frames,
		Width:  s.width,
		Height: s.height,
		Pix:    s.buf,
	}
	s.frames++
	return frame, nil
}

func (s *FrameStream) cancelled() error {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Err()
}

// Close releases the decoder. A stream abandoned before its end has the
// process killed. Close is idempotent.
func (s *FrameStream) Close() error {
	abandoned := !s.done
	s.done = true
	if abandoned {
		return s.release(true)
	}
	return s.release(false)
}

func (s *FrameStream) release(kill bool) error {
	if s.released {
		return nil
	}
	s.released = true

	if s.cmd == nil {
		if c, ok := s.src.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}

	if kill && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
	if kill {
		return nil
	}
	return err
}
