package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FormatVersion is the current archive file format version.
const FormatVersion = 1

// MaxDecompressedSize is the maximum allowed size of a decompressed
// archive payload (200MB).
const MaxDecompressedSize = 200 * 1024 * 1024

// Header is the plain-text first line of an archive file. It describes
// the compressed payload that follows and can be read without
// decompressing anything.
type Header struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Checksum     string    `json:"checksum"`
	ExperimentID string    `json:"experiment_id"`
	ResultCount  int       `json:"result_count"`
	Compressed   bool      `json:"compressed"`
}

// writeFile writes an archive: header line + newline + gzip-compressed
// payload, with a sha256 checksum of the compressed bytes recorded in
// the header.
func writeFile(path string, header Header, payload []byte) error {
	var compressed bytes.Buffer
	gzw, err := gzip.NewWriterLevel(&compressed, gzip.DefaultCompression)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gzw.Write(payload); err != nil {
		return fmt.Errorf("compressing payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	hash := sha256.Sum256(compressed.Bytes())
	header.Version = FormatVersion
	header.Checksum = "sha256:" + hex.EncodeToString(hash[:])
	header.Compressed = true

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("writing header newline: %w", err)
	}
	if _, err := f.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("writing compressed payload: %w", err)
	}
	return nil
}

// readFile reads an archive file, verifies the checksum, and returns
// the header and decompressed payload.
func readFile(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, compressedData, err := readHeaderAndRest(reader)
	if err != nil {
		return nil, nil, err
	}

	hash := sha256.Sum256(compressedData)
	actual := "sha256:" + hex.EncodeToString(hash[:])
	if actual != header.Checksum {
		return nil, nil, fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	limited := io.LimitReader(gzr, MaxDecompressedSize+1)
	payload, err := io.ReadAll(limited)
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(payload)) > MaxDecompressedSize {
		return nil, nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}
	return header, payload, nil
}

// ReadHeader reads only the header line from an archive file without
// decompressing the payload.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}

	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(headerLine), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported archive version %d", header.Version)
	}
	return &header, nil
}

// VerifyChecksum checks the integrity of an archive file without
// decompressing the payload.
func VerifyChecksum(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, compressedData, err := readHeaderAndRest(reader)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(compressedData)
	actual := "sha256:" + hex.EncodeToString(hash[:])
	if actual != header.Checksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)
	}
	return nil
}

func readHeaderAndRest(reader *bufio.Reader) (*Header, []byte, error) {
	headerLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading header line: %w", err)
	}

	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(headerLine), &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, nil, fmt.Errorf("unsupported archive version %d", header.Version)
	}

	compressedData, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	return &header, compressedData, nil
}
