package zimfile

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Reader opens a finalized archive. Mostly exercised by tests and tooling;
// the viewer UI ships its own loader.
type Reader struct {
	file    *os.File
	decoder *zstd.Decoder
	index   index
	byPath  map[string]int
}

// OpenReader opens the archive at path and loads its index.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	footerSize := int64(16 + len(magic))
	if info.Size() < footerSize+int64(len(magic)) {
		file.Close()
		return nil, fmt.Errorf("file too small to be an archive")
	}

	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, info.Size()-footerSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read archive footer: %w", err)
	}
	if !bytes.Equal(footer[16:], magic) {
		file.Close()
		return nil, fmt.Errorf("bad archive footer magic")
	}
	indexOffset := int64(binary.BigEndian.Uint64(footer[0:8]))
	indexSize := int64(binary.BigEndian.Uint64(footer[8:16]))

	compressedIndex := make([]byte, indexSize)
	if _, err := file.ReadAt(compressedIndex, indexOffset); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read archive index: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	indexData, err := decoder.DecodeAll(compressedIndex, nil)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to decompress archive index: %w", err)
	}

	r := &Reader{file: file, decoder: decoder, byPath: make(map[string]int)}
	if err := json.Unmarshal(indexData, &r.index); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to parse archive index: %w", err)
	}
	for i, e := range r.index.Entries {
		r.byPath[e.Path] = i
	}
	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}

// Metadata returns the archive metadata.
func (r *Reader) Metadata() *Metadata {
	return r.index.Metadata
}

// MainPath returns the entry the viewer opens first.
func (r *Reader) MainPath() string {
	return r.index.MainPath
}

// Paths lists every entry path in insertion order.
func (r *Reader) Paths() []string {
	paths := make([]string, len(r.index.Entries))
	for i, e := range r.index.Entries {
		paths[i] = e.Path
	}
	return paths
}

// HasPath reports whether path exists in the archive.
func (r *Reader) HasPath(path string) bool {
	_, ok := r.byPath[path]
	return ok
}

// Get returns the decompressed content stored under path.
func (r *Reader) Get(path string) ([]byte, error) {
	i, ok := r.byPath[path]
	if !ok {
		return nil, fmt.Errorf("no entry for path %s", path)
	}
	blob := r.index.Blobs[r.index.Entries[i].Blob]
	compressed := make([]byte, blob.Size)
	if _, err := r.file.ReadAt(compressed, blob.Offset); err != nil {
		return nil, fmt.Errorf("failed to read blob for %s: %w", path, err)
	}
	content, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob for %s: %w", path, err)
	}
	return content, nil
}

// Mimetype returns the stored mimetype for path.
func (r *Reader) Mimetype(path string) (string, error) {
	i, ok := r.byPath[path]
	if !ok {
		return "", fmt.Errorf("no entry for path %s", path)
	}
	return r.index.Entries[i].Mimetype, nil
}
