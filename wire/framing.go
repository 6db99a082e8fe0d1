package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frames are encoded as a 4-byte magic word for de-synchronization detection,
// followed by a little-endian uint32 payload length, followed by payload
// bytes. The magic word lets a reader detect a corrupted stream rather than
// misinterpreting garbage as a frame length.

// FrameHeaderLength is the number of leading header bytes of each frame:
// a 4-byte magic word followed by a little-endian length.
const FrameHeaderLength = 8

// MaxFrameLength bounds the payload length a reader will accept. A frame
// announcing a larger payload is treated as stream corruption.
const MaxFrameLength = 1 << 26 // 64MB.

var (
	// ErrDesyncDetected is returned upon detection of an invalid frame.
	ErrDesyncDetected = errors.New("detected de-synchronization")
	// magicWord precedes every frame encoding.
	magicWord = [4]byte{0xca, 0x7e, 0x51, 0x3b}
)

// appendFrameHeader appends a frame header announcing a payload of |size|
// bytes.
func appendFrameHeader(b []byte, size int) []byte {
	b = append(b, magicWord[:]...)
	return binary.LittleEndian.AppendUint32(b, uint32(size))
}

// finishFrame back-fills the length of a frame whose header was appended at
// |offset|, completing the frame whose payload was appended after it.
func finishFrame(b []byte, offset int) []byte {
	binary.LittleEndian.PutUint32(b[offset+4:offset+8],
		uint32(len(b)-offset-FrameHeaderLength))
	return b
}

// UnpackFrame returns the payload of the next frame read from |br|. A frame
// which does not begin with the magic word, or which announces an impossible
// length, surfaces as ErrDesyncDetected: the connection is unusable and must
// be torn down, as framing can no longer be trusted. A clean EOF at a frame
// boundary is returned as io.EOF; an EOF mid-frame is io.ErrUnexpectedEOF.
func UnpackFrame(br *bufio.Reader) ([]byte, error) {
	var header, err = br.Peek(FrameHeaderLength)
	if err != nil {
		if l := len(header); err == io.EOF && l != 0 {
			err = io.ErrUnexpectedEOF
		}
		if err != io.EOF {
			err = errors.Wrap(err, "reading frame header")
		}
		return nil, err
	}

	if !matchesMagicWord(header) {
		return nil, ErrDesyncDetected
	}
	var size = int(binary.LittleEndian.Uint32(header[4:]))
	if size > MaxFrameLength {
		return nil, ErrDesyncDetected
	}
	_, _ = br.Discard(FrameHeaderLength)

	// Fast path: the full payload is already buffered. The returned slice is
	// invalidated by the next read of |br|.
	if b, err := br.Peek(size); err == nil {
		_, _ = br.Discard(size)
		return b, nil
	}

	// Slow path: allocate and read the full payload.
	var b = make([]byte, size)
	_, err = io.ReadFull(br, b)
	return b, errors.Wrap(err, "reading frame payload")
}

func matchesMagicWord(b []byte) bool {
	return b[0] == magicWord[0] && b[1] == magicWord[1] &&
		b[2] == magicWord[2] && b[3] == magicWord[3]
}
