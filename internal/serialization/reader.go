package serialization

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/numeric"
)

// ReaderOptions configures Read.
type ReaderOptions struct {
	SkipChecksumValidation bool // Skip checksum validation (faster but less safe)
}

// Read parses a .gmx stream with checksum validation.
func Read(r io.Reader) (*File, error) {
	return ReadWithOptions(r, ReaderOptions{})
}

// ReadWithOptions parses a .gmx stream. Every failure matches fault.ErrDeserialization.
func ReadWithOptions(r io.Reader, opts ReaderOptions) (*File, error) {
	const op = "serialization.Read"
	f, err := read(r, opts)
	if err != nil {
		return nil, fault.Wrap(fault.ErrDeserialization, op, err)
	}
	return f, nil
}

func read(r io.Reader, opts ReaderOptions) (*File, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", truncated(err))
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}

	h := Header{
		Version:      binary.LittleEndian.Uint32(fixed[4:8]),
		MetadataSize: binary.LittleEndian.Uint32(fixed[12:16]),
		Rows:         binary.LittleEndian.Uint32(fixed[16:20]),
		Cols:         binary.LittleEndian.Uint32(fixed[20:24]),
		PayloadSize:  binary.LittleEndian.Uint64(fixed[24:32]),
	}
	copy(h.Checksum[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	et, ok := elementFromCode(binary.LittleEndian.Uint32(fixed[8:12]))
	if !ok {
		return nil, &ValidationError{Type: "element_type", Details: fmt.Sprintf("unknown code %d", binary.LittleEndian.Uint32(fixed[8:12]))}
	}
	h.Element = et
	if err := ValidateHeader(&h); err != nil {
		return nil, err
	}

	metaJSON := make([]byte, h.MetadataSize)
	if _, err := io.ReadFull(r, metaJSON); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", truncated(err))
	}
	var meta Metadata
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	padding := paddingFor(int64(FixedHeaderSize) + int64(h.MetadataSize))
	if _, err := io.CopyN(io.Discard, r, padding); err != nil {
		return nil, fmt.Errorf("failed to skip padding: %w", truncated(err))
	}

	// The header size is untrusted until the bytes arrive, so the buffer grows with the data.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(h.PayloadSize)); err != nil { //nolint:gosec // bounded by MaxPayloadSize
		return nil, fmt.Errorf("failed to read payload: %w", truncated(err))
	}
	payload := buf.Bytes()
	if !opts.SkipChecksumValidation {
		if err := ValidateChecksum(ComputeChecksum(payload), h.Checksum); err != nil {
			return nil, err
		}
	}

	return &File{Header: h, Metadata: meta, Payload: payload}, nil
}

// ReadFile parses the .gmx file at path with checksum validation.
func ReadFile(path string) (*File, error) {
	return ReadFileWithOptions(path, ReaderOptions{})
}

// ReadFileWithOptions parses the .gmx file at path.
func ReadFileWithOptions(path string, opts ReaderOptions) (*File, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for result loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return ReadWithOptions(bufio.NewReader(file), opts)
}

// Decode converts the payload of f to a buffer of T.
func Decode[T numeric.Element](f *File) (*numeric.Buffer[T], error) {
	if et := numeric.TypeOf[T](); et != f.Header.Element {
		return nil, fault.New(fault.ErrDeserialization, "serialization.Decode",
			"file holds %s elements, requested %s", f.Header.Element, et)
	}
	return numeric.FromBytes[T](f.Payload, f.Header.Dim())
}

// Marshal returns the encoding of m as a byte slice.
func Marshal[T numeric.Element](m *numeric.Buffer[T], meta Metadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, m, meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}
