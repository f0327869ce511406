// Package zimfile implements the single-file output archive: a
// content-addressed container of zstd-compressed blobs with a JSON index,
// deduplicated by path, safe for concurrent producers.
package zimfile

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var magic = []byte("MGARCH01")

// Metadata describes the archive as a whole. It must be configured before
// the first item is added.
type Metadata struct {
	Name            string `json:"name"`
	Title           string `json:"title"`
	Publisher       string `json:"publisher"`
	Date            string `json:"date"`
	Creator         string `json:"creator"`
	Description     string `json:"description"`
	LongDescription string `json:"longDescription,omitempty"`
	Language        string `json:"language"`
	Tags            string `json:"tags,omitempty"`
	Scraper         string `json:"scraper"`
	Illustration    []byte `json:"illustration,omitempty"`
}

type blobRef struct {
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	RawSize  int64  `json:"rawSize"`
	Checksum string `json:"sha256"`
}

type entry struct {
	Path     string `json:"path"`
	Blob     int    `json:"blob"`
	Mimetype string `json:"mimetype"`
	Title    string `json:"title,omitempty"`
	Front    bool   `json:"front,omitempty"`
}

type index struct {
	MainPath string    `json:"mainPath"`
	Metadata *Metadata `json:"metadata"`
	Blobs    []blobRef `json:"blobs"`
	Entries  []entry   `json:"entries"`
}

// Creator writes an archive. It is the sole owner of the output file; all
// writes go through an internal lock so workers may add items concurrently.
// The archive is materialized under a staging name and only renamed to its
// final name by a successful Finalize.
type Creator struct {
	mu          sync.Mutex
	file        *os.File
	finalPath   string
	stagingPath string
	encoder     *zstd.Encoder
	offset      int64
	index       index
	byChecksum  map[string]int
	paths       map[string]bool
	metaSet     bool
	finalized   bool
}

// NewCreator opens a new archive targeting path. mainPath is the entry the
// viewer opens first.
func NewCreator(path, mainPath string) (*Creator, error) {
	stagingPath := path + ".tmp"
	file, err := os.Create(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive staging file: %w", err)
	}
	if _, err := file.Write(magic); err != nil {
		file.Close()
		os.Remove(stagingPath)
		return nil, fmt.Errorf("failed to write archive header: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		file.Close()
		os.Remove(stagingPath)
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Creator{
		file:        file,
		finalPath:   path,
		stagingPath: stagingPath,
		encoder:     encoder,
		offset:      int64(len(magic)),
		index:       index{MainPath: mainPath},
		byChecksum:  make(map[string]int),
		paths:       make(map[string]bool),
	}, nil
}

// ConfigureMetadata records the archive metadata. Must be called before the
// first AddItem.
func (c *Creator) ConfigureMetadata(md Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.index.Entries) > 0 {
		return errors.New("metadata must be configured before the first item is added")
	}
	c.index.Metadata = &md
	c.metaSet = true
	return nil
}

// ItemOption customizes an added item.
type ItemOption func(*entry)

// WithMimetype overrides mimetype detection.
func WithMimetype(mimetype string) ItemOption {
	return func(e *entry) { e.Mimetype = mimetype }
}

// WithTitle attaches a display title to the item.
func WithTitle(title string) ItemOption {
	return func(e *entry) { e.Title = title }
}

// AsFront marks the item as user-facing content.
func AsFront() ItemOption {
	return func(e *entry) { e.Front = true }
}

// AddItem stores content under path. The first add wins for a given path;
// later adds for the same path are silently skipped. Identical content is
// stored once regardless of how many paths reference it.
func (c *Creator) AddItem(path string, content []byte, opts ...ItemOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finalized {
		return errors.New("archive already finalized")
	}
	if !c.metaSet {
		return errors.New("metadata must be configured before adding items")
	}
	if c.paths[path] {
		return nil
	}

	e := entry{Path: path}
	for _, opt := range opts {
		opt(&e)
	}
	if e.Mimetype == "" {
		e.Mimetype = detectMimetype(path, content)
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	blobIdx, ok := c.byChecksum[checksum]
	if !ok {
		compressed := c.encoder.EncodeAll(content, nil)
		if _, err := c.file.Write(compressed); err != nil {
			return fmt.Errorf("failed to write blob for %s: %w", path, err)
		}
		blobIdx = len(c.index.Blobs)
		c.index.Blobs = append(c.index.Blobs, blobRef{
			Offset:   c.offset,
			Size:     int64(len(compressed)),
			RawSize:  int64(len(content)),
			Checksum: checksum,
		})
		c.offset += int64(len(compressed))
		c.byChecksum[checksum] = blobIdx
	}

	e.Blob = blobIdx
	c.index.Entries = append(c.index.Entries, e)
	c.paths[path] = true
	return nil
}

// AddItemFile stores the file at fsPath under path.
func (c *Creator) AddItemFile(path, fsPath string, opts ...ItemOption) error {
	content, err := os.ReadFile(fsPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", fsPath, err)
	}
	return c.AddItem(path, content, opts...)
}

// Finalize writes the index and footer, closes the file and renames it to
// its final name. The archive does not exist under its final name until
// Finalize returns nil.
func (c *Creator) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finalized {
		return errors.New("archive already finalized")
	}

	indexData, err := json.Marshal(c.index)
	if err != nil {
		return fmt.Errorf("failed to marshal archive index: %w", err)
	}
	compressedIndex := c.encoder.EncodeAll(indexData, nil)
	if _, err := c.file.Write(compressedIndex); err != nil {
		return fmt.Errorf("failed to write archive index: %w", err)
	}

	footer := make([]byte, 16+len(magic))
	binary.BigEndian.PutUint64(footer[0:8], uint64(c.offset))
	binary.BigEndian.PutUint64(footer[8:16], uint64(len(compressedIndex)))
	copy(footer[16:], magic)
	if _, err := c.file.Write(footer); err != nil {
		return fmt.Errorf("failed to write archive footer: %w", err)
	}

	if err := c.file.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(c.stagingPath, c.finalPath); err != nil {
		return fmt.Errorf("failed to move archive to final name: %w", err)
	}
	// only now; a failure above must leave Abort able to clean up the
	// staging file
	c.finalized = true
	return nil
}

// Abort discards the staging file. Safe to call after a failed run; calling
// it after Finalize is a no-op.
func (c *Creator) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.finalized = true
	c.file.Close()
	os.Remove(c.stagingPath)
}

// ItemCount returns the number of entries added so far.
func (c *Creator) ItemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index.Entries)
}

func detectMimetype(path string, content []byte) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(content)
}
