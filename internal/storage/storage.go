// Package storage opens and creates record files, transparently handling
// gzip (.gz) and zstd (.zst) compression based on the file name.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Compression identifies how a file's bytes are encoded
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionFor picks the codec from the file suffix
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// ========================================
// READING
// ========================================

// Open returns a reader of path's decompressed contents
func Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	switch CompressionFor(path) {
	case CompressionGzip:
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		return &decompressedReader{reader: gz, file: file, closeFn: gz.Close}, nil

	case CompressionZstd:
		zr := newZstdSource(file)
		return &decompressedReader{reader: zr, file: file, closeFn: zr.Close}, nil
	}

	return file, nil
}

// decompressedReader wraps a decoder and the underlying file
type decompressedReader struct {
	reader  io.Reader
	file    *os.File
	closeFn func() error
}

func (dr *decompressedReader) Read(p []byte) (int, error) {
	return dr.reader.Read(p)
}

func (dr *decompressedReader) Close() error {
	dr.closeFn()
	return dr.file.Close()
}

// ========================================
// WRITING
// ========================================

// Create creates (truncating) path and returns a writer that compresses
// according to its suffix. Close flushes the compressor and closes the file.
func Create(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	switch CompressionFor(path) {
	case CompressionGzip:
		gz := gzip.NewWriter(file)
		return &compressedWriter{writer: gz, file: file, closeFn: gz.Close}, nil

	case CompressionZstd:
		zw := newZstdSink(file)
		return &compressedWriter{writer: zw, file: file, closeFn: zw.Close}, nil
	}

	return file, nil
}

// compressedWriter closes the encoder before the file
type compressedWriter struct {
	writer  io.Writer
	file    *os.File
	closeFn func() error
}

func (cw *compressedWriter) Write(p []byte) (int, error) {
	return cw.writer.Write(p)
}

func (cw *compressedWriter) Close() error {
	encErr := cw.closeFn()
	fileErr := cw.file.Close()
	if encErr != nil {
		return fmt.Errorf("failed to finish compressed stream: %w", encErr)
	}
	return fileErr
}

// ========================================
// UTILITY FUNCTIONS
// ========================================

// FileExists checks if a regular file exists
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GetFileSize returns the size of a file
func GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
