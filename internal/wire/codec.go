package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame to guard against a malformed peer
// claiming an unbounded length prefix.
const maxFrameBytes = 64 << 20

// Encoder writes length-prefixed gob frames to an underlying connection.
// One Encoder is never used concurrently by two goroutines; callers
// (upstream client, downstream server) serialize writes themselves.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// EncodeAgentMessage frames and writes one AgentMessage.
func (e *Encoder) EncodeAgentMessage(msg AgentMessage) error {
	return e.encodeFrame(msg)
}

// EncodeControllerCommand frames and writes one ControllerCommand.
func (e *Encoder) EncodeControllerCommand(cmd ControllerCommand) error {
	return e.encodeFrame(cmd)
}

func (e *Encoder) encodeFrame(v interface{}) error {
	var buf fixedBuffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf.data)))
	if _, err := e.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := e.w.Write(buf.data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed gob frames from an underlying connection.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

func (d *Decoder) readFrame() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(d.r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeAgentMessage reads and decodes the next frame as an AgentMessage.
func (d *Decoder) DecodeAgentMessage() (AgentMessage, error) {
	body, err := d.readFrame()
	if err != nil {
		return AgentMessage{}, err
	}
	var msg AgentMessage
	if err := gobDecode(body, &msg); err != nil {
		return AgentMessage{}, fmt.Errorf("wire: decode AgentMessage: %w", err)
	}
	return msg, nil
}

// DecodeControllerCommand reads and decodes the next frame as a ControllerCommand.
func (d *Decoder) DecodeControllerCommand() (ControllerCommand, error) {
	body, err := d.readFrame()
	if err != nil {
		return ControllerCommand{}, err
	}
	var cmd ControllerCommand
	if err := gobDecode(body, &cmd); err != nil {
		return ControllerCommand{}, fmt.Errorf("wire: decode ControllerCommand: %w", err)
	}
	return cmd, nil
}

func gobDecode(body []byte, v interface{}) error {
	return gob.NewDecoder(&fixedBuffer{data: body}).Decode(v)
}

// fixedBuffer is a minimal io.Reader/io.Writer over a byte slice, avoiding a
// bytes.Buffer import purely to keep this file's surface small; gob needs
// only Read and Write.
type fixedBuffer struct {
	data []byte
	pos  int
}

func (b *fixedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *fixedBuffer) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
