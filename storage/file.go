package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/auditmesh/auditmesh/compressors"
	"github.com/auditmesh/auditmesh/core"
)

const (
	logFileMagic   uint32 = 0x414D4C47 // "AMLG"
	logFileVersion byte   = 1
)

// fileHeader sits at the start of every log file so readers can reject
// foreign files and know how frames are compressed.
type fileHeader struct {
	Magic       uint32
	Version     byte
	Compression core.CompressionType
}

// FileLog is a durable append-only audit log backed by a single file of
// length-prefixed, CRC-checked frames. The full record set is kept in memory;
// the file is the source of truth across restarts.
type FileLog struct {
	mu         sync.RWMutex
	path       string
	file       *os.File
	writer     *bufio.Writer
	compressor core.Compressor
	records    []core.AuditRecord
	ids        map[core.RecordID]struct{}
	logger     *slog.Logger
}

var _ AuditLog = (*FileLog)(nil)

// OpenFileLog opens (or creates) the log file at path, replays all frames
// into memory, and verifies the hash chain before accepting writes.
func OpenFileLog(path string, compression core.CompressionType, logger *slog.Logger) (*FileLog, error) {
	compressor, err := compressors.ForType(compression)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	l := &FileLog{
		path:       path,
		file:       file,
		compressor: compressor,
		ids:        make(map[core.RecordID]struct{}),
		logger:     logger.With("component", "file_log", "path", path),
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file %s: %w", path, err)
	}

	if stat.Size() == 0 {
		header := fileHeader{Magic: logFileMagic, Version: logFileVersion, Compression: compression}
		if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write log header to %s: %w", path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync log header to %s: %w", path, err)
		}
	} else {
		if err := l.replay(); err != nil {
			file.Close()
			return nil, err
		}
	}

	// All writes continue from the end of the file.
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek to end of %s: %w", path, err)
	}
	l.writer = bufio.NewWriter(file)

	l.logger.Info("Audit log opened", "records", len(l.records), "compression", compression.String())
	return l, nil
}

// replay reads the header and every frame, rebuilding the in-memory record
// set and checking chain integrity.
func (l *FileLog) replay() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start of %s: %w", l.path, err)
	}

	reader := bufio.NewReader(l.file)

	var header fileHeader
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to read log header from %s: %w", l.path, err)
	}
	if header.Magic != logFileMagic {
		return fmt.Errorf("invalid magic number in %s: got %x, want %x", l.path, header.Magic, logFileMagic)
	}
	if header.Version != logFileVersion {
		return fmt.Errorf("unsupported log file version %d in %s", header.Version, l.path)
	}
	if header.Compression != l.compressor.Type() {
		// Honor what the file was written with, not what the config says now.
		compressor, err := compressors.ForType(header.Compression)
		if err != nil {
			return fmt.Errorf("log file %s uses unsupported compression: %w", l.path, err)
		}
		l.logger.Warn("Log file compression differs from configuration, keeping file setting",
			"file", header.Compression.String(), "config", l.compressor.Type().String())
		l.compressor = compressor
	}

	for {
		payload, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read frame from %s: %w", l.path, err)
		}

		rc, err := l.compressor.Decompress(payload)
		if err != nil {
			return fmt.Errorf("failed to decompress frame in %s: %w", l.path, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read decompressed frame in %s: %w", l.path, err)
		}

		var rec core.AuditRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("failed to decode record in %s: %w", l.path, err)
		}
		// Replicated records may link onto predecessors outside this file,
		// so replay verifies each record's content hash rather than a single
		// unbroken chain.
		if !rec.Verify() {
			return fmt.Errorf("tamper check failed for %s: record %s: %w", l.path, rec.ID, ErrChainBroken)
		}
		if _, ok := l.ids[rec.ID]; ok {
			return fmt.Errorf("duplicate record %s in %s", rec.ID, l.path)
		}
		l.records = append(l.records, rec)
		l.ids[rec.ID] = struct{}{}
	}
	return nil
}

// readFrame reads one length|data|checksum frame.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated frame data: %w", err)
	}
	var checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return nil, fmt.Errorf("truncated frame checksum: %w", err)
	}
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, fmt.Errorf("frame checksum mismatch")
	}
	return data, nil
}

// writeFrame writes one length|data|checksum frame.
func writeFrame(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	checksum := crc32.ChecksumIEEE(data)
	if err := binary.Write(w, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write frame checksum: %w", err)
	}
	return nil
}

func (l *FileLog) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return 0, os.ErrClosed
	}
	return len(l.records), nil
}

func (l *FileLog) LastHash(_ context.Context) (string, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return "", false, os.ErrClosed
	}
	if len(l.records) == 0 {
		return "", false, nil
	}
	return l.records[len(l.records)-1].RecordHash, true, nil
}

func (l *FileLog) GetAll(_ context.Context) ([]core.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return nil, os.ErrClosed
	}
	out := make([]core.AuditRecord, len(l.records))
	copy(out, l.records)
	return out, nil
}

func (l *FileLog) Append(_ context.Context, record core.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}

	head := ""
	if len(l.records) > 0 {
		head = l.records[len(l.records)-1].RecordHash
	}
	if record.PreviousHash != head {
		return fmt.Errorf("record %s links to %q but chain head is %q: %w",
			record.ID, record.PreviousHash, head, ErrChainBroken)
	}
	return l.writeRecordLocked(record)
}

func (l *FileLog) Ingest(_ context.Context, record core.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return os.ErrClosed
	}
	if _, ok := l.ids[record.ID]; ok {
		return nil
	}
	return l.writeRecordLocked(record)
}

// writeRecordLocked verifies, frames, and durably writes one record.
// Callers must hold l.mu.
func (l *FileLog) writeRecordLocked(record core.AuditRecord) error {
	if !record.Verify() {
		return fmt.Errorf("record %s failed hash verification: %w", record.ID, ErrChainBroken)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", record.ID, err)
	}
	payload, err := l.compressor.Compress(raw)
	if err != nil {
		return fmt.Errorf("failed to compress record %s: %w", record.ID, err)
	}

	if err := writeFrame(l.writer, payload); err != nil {
		return err
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush record %s: %w", record.ID, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync record %s: %w", record.ID, err)
	}

	l.records = append(l.records, record)
	l.ids[record.ID] = struct{}{}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	flushErr := l.writer.Flush()
	closeErr := l.file.Close()
	l.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
