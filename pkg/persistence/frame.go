package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Frame layout: [Magic(1)][OpCode(1)][Length(4)][CRC32(4)][Payload(N)],
// little endian. Both the command log and the snapshot file are sequences
// of frames.
const (
	MagicByte  = 0xA5
	HeaderSize = 10

	OpCodeCommand  byte = 0x01
	OpCodeSnapshot byte = 0x02
)

var (
	ErrInvalidMagic     = errors.New("invalid magic byte")
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame usually means the process died mid-write; only the
	// tail of a log can legitimately end this way.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FrameWriter writes frames to an io.Writer. Wrap files in a bufio.Writer so
// header and payload reach the kernel in one write.
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload tagged with op.
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	var header [HeaderSize]byte
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// Frame is a decoded frame.
type Frame struct {
	Op      byte
	Payload []byte
}

// ReadFrame reads and validates the next frame. It returns io.EOF only when
// the stream ends exactly on a frame boundary. n is the number of bytes
// consumed, which lets callers truncate a torn tail.
func ReadFrame(r io.Reader) (f Frame, n int, err error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, 0, io.EOF
		}
		return Frame{}, 0, ErrIncompleteFrame
	}
	if header[0] != MagicByte {
		return Frame{}, HeaderSize, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	want := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, HeaderSize, ErrIncompleteFrame
	}
	if crc32.ChecksumIEEE(payload) != want {
		return Frame{}, HeaderSize + int(length), ErrChecksumMismatch
	}
	return Frame{Op: header[1], Payload: payload}, HeaderSize + int(length), nil
}
