package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/sha3"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// Magic bytes identify store snapshot files.
var magicBytes = []byte("SKPRSNAP")

const (
	fileExtension = ".snap"
	checksumSize  = sha256.Size
	headerVersion = 1
)

// fileHeader is the JSON header of one store file. It carries node-local
// metadata, so it is covered by the file checksum but not by the content
// hash.
type fileHeader struct {
	Version   int    `json:"version"`
	Store     string `json:"store"`
	Marker    uint64 `json:"marker"`
	CreatedAt int64  `json:"created_at"`
	NodeID    string `json:"node_id,omitempty"`
	RunID     string `json:"run_id"`
}

// fileResult describes a written or verified store file.
type fileResult struct {
	Size        int64
	Records     int64
	Checksum    string // sha256 of the whole file minus trailer
	ContentHash string // keccak-256 of the record stream
}

// exportFunc streams a store's records to w.
type exportFunc func(ctx context.Context, w io.Writer) (domain.Marker, int64, error)

// writeStoreFile writes one store file:
//
//	[magic:8][HeaderLen:4][HeaderJSON][records...][checksum:32]
//
// The checksum covers every byte before it. The content hash covers the
// records only.
func writeStoreFile(ctx context.Context, path string, hdr fileHeader, export exportFunc) (*fileResult, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	defer file.Close()

	sum := sha256.New()
	content := sha3.NewLegacyKeccak256()
	counter := &countingWriter{}
	bw := bufio.NewWriter(file)
	w := io.MultiWriter(bw, sum, counter)

	if _, err := w.Write(magicBytes); err != nil {
		return nil, err
	}

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal header: %w", err)
	}
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(hdrJSON)))
	if _, err := w.Write(hdrLen[:]); err != nil {
		return nil, fmt.Errorf("snapshot: write header length: %w", err)
	}
	if _, err := w.Write(hdrJSON); err != nil {
		return nil, fmt.Errorf("snapshot: write header: %w", err)
	}

	marker, records, err := export(ctx, io.MultiWriter(w, content))
	if err != nil {
		return nil, fmt.Errorf("snapshot: export %s: %w", hdr.Store, err)
	}
	if uint64(marker) != hdr.Marker {
		return nil, fmt.Errorf("snapshot: store %s moved to %s during export", hdr.Store, marker)
	}

	// Checksum trailer (not included in hash).
	checksum := sum.Sum(nil)
	if _, err := bw.Write(checksum); err != nil {
		return nil, fmt.Errorf("snapshot: write checksum: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: close: %w", err)
	}

	return &fileResult{
		Size:        counter.n + checksumSize,
		Records:     records,
		Checksum:    hex.EncodeToString(checksum),
		ContentHash: hex.EncodeToString(content.Sum(nil)),
	}, nil
}

// storeFile is an opened, checksum-verified store file.
type storeFile struct {
	f      *os.File
	header fileHeader
	result fileResult
	data   *io.SectionReader
}

func (s *storeFile) Close() error {
	return s.f.Close()
}

// openStoreFile verifies the checksum trailer and header of a store file
// and positions a reader on its record stream.
func openStoreFile(path string) (*storeFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	sf, err := readStoreFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return sf, nil
}

func readStoreFile(f *os.File) (*storeFile, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < int64(len(magicBytes))+4+checksumSize {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(f.Name() + ": truncated")
	}

	// Verify checksum.
	dataLen := stat.Size() - checksumSize
	expected := make([]byte, checksumSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, dataLen, checksumSize), expected); err != nil {
		return nil, err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, io.NewSectionReader(f, 0, dataLen), dataLen); err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), expected) {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(f.Name() + ": checksum mismatch")
	}

	br := bufio.NewReader(io.NewSectionReader(f, 0, dataLen))

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(f.Name() + ": invalid magic bytes")
	}

	var hdrLenBuf [4]byte
	if _, err := io.ReadFull(br, hdrLenBuf[:]); err != nil {
		return nil, err
	}
	hdrLen := int64(binary.BigEndian.Uint32(hdrLenBuf[:]))
	start := int64(len(magicBytes)) + 4 + hdrLen
	if hdrLen == 0 || start > dataLen {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(f.Name() + ": bad header length")
	}
	hdrJSON := make([]byte, hdrLen)
	if _, err := io.ReadFull(br, hdrJSON); err != nil {
		return nil, err
	}

	var hdr fileHeader
	if err := json.Unmarshal(hdrJSON, &hdr); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal header: %w", err)
	}
	if hdr.Version != headerVersion {
		return nil, domain.ErrSnapshotCorrupt.WithDetails(
			fmt.Sprintf("%s: unsupported version %d", f.Name(), hdr.Version))
	}

	data := io.NewSectionReader(f, start, dataLen-start)
	content := sha3.NewLegacyKeccak256()
	if _, err := io.Copy(content, data); err != nil {
		return nil, err
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	return &storeFile{
		f:      f,
		header: hdr,
		data:   data,
		result: fileResult{
			Size:        stat.Size(),
			Checksum:    hex.EncodeToString(expected),
			ContentHash: hex.EncodeToString(content.Sum(nil)),
		},
	}, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// keccak returns a fresh Keccak-256 hash.
func keccak() hash.Hash {
	return sha3.NewLegacyKeccak256()
}
