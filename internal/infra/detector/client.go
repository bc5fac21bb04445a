package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/domain/entity"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

var ErrClosed = errors.New("detector client closed")

// Client talks to an external detector process over stdin/stdout. Calls to
// Detect are serialized, so one process can serve several workers.
type Client struct {
	mu     sync.Mutex
	w      io.Writer
	r      io.Reader
	closer func() error
	broken error
	logger *zap.Logger
}

// Start launches command (split on spaces) as the detector process.
func Start(command string, logger *zap.Logger) (*Client, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty detector command", entity.ErrConfiguration)
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	stderr := &zapio.Writer{Log: logger.Named("detector"), Level: zap.WarnLevel}
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start detector: %w", err)
	}

	logger.Info("detector process started", zap.String("command", command), zap.Int("pid", cmd.Process.Pid))

	c := newClient(stdin, bufio.NewReader(stdout), logger)
	c.closer = func() error {
		_ = stdin.Close()
		err := cmd.Wait()
		_ = stderr.Close()
		return err
	}
	return c, nil
}

func newClient(w io.Writer, r io.Reader, logger *zap.Logger) *Client {
	return &Client{w: w, r: r, logger: logger}
}

// Detect sends one frame and waits for its result. A cancelled context or an
// I/O failure leaves the client unusable since the stream position is lost.
func (c *Client) Detect(ctx context.Context, frame entity.RawFrame) (*entity.DetectionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, c.broken
	}

	done := make(chan struct{})
	var (
		resp response
		err  error
	)
	go func() {
		defer close(done)
		req := request{FrameData: frame.Pix, Width: frame.Width, Height: frame.Height, Index: frame.Index}
		if err = writeMessage(c.w, req); err != nil {
			return
		}
		err = readMessage(c.r, &resp)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.broken = fmt.Errorf("detector abandoned: %w", ctx.Err())
		if c.closer != nil {
			_ = c.closer()
			c.closer = nil
		}
		return nil, c.broken
	}

	if err != nil {
		c.broken = fmt.Errorf("detector frame %d: %w", frame.Index, err)
		return nil, c.broken
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detector frame %d: %s", frame.Index, resp.Error)
	}

	out := &entity.DetectionResult{Detections: make([]entity.Detection, len(resp.Detections))}
	for i, d := range resp.Detections {
		out.Detections[i] = entity.Detection{
			X: d.X, Y: d.Y,
			HiveX: d.HiveX, HiveY: d.HiveY,
			ZRotation: d.ZRotation,
			YRotation: d.YRotation,
			XRotation: d.XRotation,
			Saliency:  d.Saliency,
			Radius:    d.Radius,
			IDBits:    d.IDBits,
		}
	}
	return out, nil
}

// Close stops the detector process.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken == nil {
		c.broken = ErrClosed
	}
	if c.closer == nil {
		return nil
	}
	closer := c.closer
	c.closer = nil
	return closer()
}
