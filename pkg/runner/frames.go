package runner

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frames are length-prefixed JSON messages: a big-endian uint32 byte count
// followed by the payload. The child streams progress frames while it runs,
// then a result frame, then the final program context.

const maxFrameSize = 64 << 20

// Frame is one message crossing the child process boundary
type Frame struct {
	Type string `json:"type"` // "start", "progress", "result", "pc"

	// start
	ScriptPath string                 `json:"script_path,omitempty"`
	Entrypoint string                 `json:"entrypoint,omitempty"`
	PC         map[string]interface{} `json:"pc,omitempty"`
	TimeLimit  int                    `json:"time_limit,omitempty"`

	// progress
	Status string                 `json:"status,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`

	// result
	Ok    bool        `json:"ok,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Fault *FaultFrame `json:"fault,omitempty"`
}

// FaultFrame is the serialized form of an execution error. Kind selects the
// fault type on the parent side.
type FaultFrame struct {
	Kind    string   `json:"kind"` // "user", "timeout", "unserializable"
	Type    string   `json:"type,omitempty"`
	Message string   `json:"message,omitempty"`
	Trace   []string `json:"trace,omitempty"`
}

const (
	frameStart    = "start"
	frameProgress = "progress"
	frameResult   = "result"
	framePC       = "pc"

	faultUser           = "user"
	faultTimeout        = "timeout"
	faultUnserializable = "unserializable"
)

// WriteFrame encodes and writes one frame
func WriteFrame(w io.Writer, f *Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads and decodes one frame, returning io.EOF at a clean end of
// stream
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}
