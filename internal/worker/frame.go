package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame is the wire format the child process writes to stdout and the
// parent reads back: a 4-byte big-endian length prefix followed by that
// many bytes of JSON payload. This replaces the source's transport (which
// silently re-encodes binary), preserving the artifact buffer byte-for-byte
// end to end (spec §9, P1, S1's PNG-signature check).
type Frame struct {
	OK            bool   `json:"ok"`
	Bytes         []byte `json:"bytes,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	ImageType     string `json:"imageType,omitempty"`
	CRC32         string `json:"crc32,omitempty"`
	DurationMS    int64  `json:"duration"`
	EventCount    int    `json:"eventCount,omitempty"`
	Error         string `json:"error,omitempty"`
	// Kind is the apperr.Kind of Error when the child already classified
	// its own failure (e.g. ConfigInvalid, FetchFailed). Empty means the
	// child crashed or failed before it could classify anything, which the
	// parent maps to apperr.KindWorkerCrashed.
	Kind string `json:"kind,omitempty"`
	// CorrelationID echoes the id Pool.Submit minted for this render, so
	// parent-side logs (submission, future resolution) and child-side logs
	// can be joined on one value across the process boundary.
	CorrelationID string `json:"correlationId,omitempty"`
}

const maxFrameBytes = 256 << 20 // 256MiB generous ceiling against a corrupt length prefix

// WriteFrame writes f to w as a length-prefixed JSON payload.
func WriteFrame(w io.Writer, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON payload from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("frame length %d exceeds maximum %d", n, maxFrameBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}
