package transport

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/auditmesh/auditmesh/core"
)

// maxFrameSize bounds a single wire frame. A batch of records stays well
// under this; anything larger is a corrupt or hostile length prefix.
const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes one frame to w.
// Format: compression (1 byte) | length (4 bytes) | payload (variable) | checksum (4 bytes)
func writeFrame(w io.Writer, compression core.CompressionType, payload []byte) error {
	if _, err := w.Write([]byte{byte(compression)}); err != nil {
		return fmt.Errorf("failed to write frame compression flag: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)
	if err := binary.Write(w, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write frame checksum: %w", err)
	}
	return nil
}

// readFrame reads one frame from r and returns the compression flag and payload.
func readFrame(r io.Reader) (core.CompressionType, []byte, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame length %d exceeds limit %d", length, maxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("truncated frame payload: %w", err)
	}
	var checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return 0, nil, fmt.Errorf("truncated frame checksum: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return 0, nil, fmt.Errorf("frame checksum mismatch")
	}
	return core.CompressionType(flag[0]), payload, nil
}
