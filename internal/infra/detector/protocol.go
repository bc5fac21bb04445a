package detector

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single framed message.
const maxMessageSize = 64 << 20

type request struct {
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Index     int    `msgpack:"index"`
}

type response struct {
	Detections []detection `msgpack:"detections"`
	Error      string      `msgpack:"error,omitempty"`
}

type detection struct {
	X         float64   `msgpack:"x"`
	Y         float64   `msgpack:"y"`
	HiveX     float64   `msgpack:"hive_x"`
	HiveY     float64   `msgpack:"hive_y"`
	ZRotation float64   `msgpack:"z_rot"`
	YRotation float64   `msgpack:"y_rot"`
	XRotation float64   `msgpack:"x_rot"`
	Saliency  float64   `msgpack:"saliency"`
	Radius    float64   `msgpack:"radius"`
	IDBits    []float64 `msgpack:"id_bits"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length.
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal msgpack: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(payload))
	}

	msg := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(msg, uint32(len(payload)))
	msg = append(msg, payload...)
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read message body (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}
