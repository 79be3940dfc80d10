package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

// Write encodes m with its metadata to w.
func Write[T numeric.Element](w io.Writer, m *numeric.Buffer[T], meta Metadata) error {
	const op = "serialization.Write"
	dim := m.Dim()
	if dim.Rows <= 0 || dim.Cols <= 0 || uint64(dim.Rows) > math.MaxUint32 || uint64(dim.Cols) > math.MaxUint32 {
		return fault.New(fault.ErrConfig, op, "cannot store a %s matrix", dim)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if len(metaJSON) > MaxMetadataSize {
		return fault.Wrap(fault.ErrConfig, op, ErrHeaderTooLarge)
	}
	payload := m.ToBytes()

	header := make([]byte, FixedHeaderSize)
	copy(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(header[8:12], elementCode(m.ElementType()))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(metaJSON))) //nolint:gosec // G115: bounded by MaxMetadataSize
	binary.LittleEndian.PutUint32(header[16:20], uint32(dim.Rows))      //nolint:gosec // G115: checked above
	binary.LittleEndian.PutUint32(header[20:24], uint32(dim.Cols))      //nolint:gosec // G115: checked above
	binary.LittleEndian.PutUint64(header[24:32], uint64(len(payload)))
	checksum := ComputeChecksum(payload)
	copy(header[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.Write(metaJSON); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if padding := paddingFor(int64(FixedHeaderSize + len(metaJSON))); padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// WriteFile writes m to path, replacing any existing file.
func WriteFile[T numeric.Element](path string, m *numeric.Buffer[T], meta Metadata) (err error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for result saving
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
	}()

	bw := bufio.NewWriter(file)
	if err := Write(bw, m, meta); err != nil {
		return err
	}
	return bw.Flush()
}
