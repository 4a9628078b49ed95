package epoch

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/storage"
)

// importBatchSize bounds the number of records per engine batch during
// Import so a large store stays below Badger's transaction limit.
const importBatchSize = 1000

// maxRecordField bounds a decoded key or value length.
const maxRecordField = 64 << 20

// Export writes the committed data of the store to w as a sequence of
// uvarint-length-prefixed key/value records in ascending key order, and
// returns the marker the data belongs to.
//
// Export refuses to run while an epoch is pending, since staged data is
// not part of any committed epoch.
func (s *Store) Export(ctx context.Context, w io.Writer) (domain.Marker, int64, error) {
	if !s.IsOpen() {
		return domain.EmptyMarker, 0, domain.ErrStoreClosed.WithDetails(s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending.IsEmpty() {
		return domain.EmptyMarker, 0, domain.ErrPendingEpoch.WithDetails(
			fmt.Sprintf("%s: export with pending %s", s.name, s.pending))
	}

	bw := bufio.NewWriter(w)
	var (
		count   int64
		werr    error
		scratch [binary.MaxVarintLen64]byte
	)
	writeField := func(b []byte) error {
		n := binary.PutUvarint(scratch[:], uint64(len(b)))
		if _, err := bw.Write(scratch[:n]); err != nil {
			return err
		}
		_, err := bw.Write(b)
		return err
	}

	err := s.engine.Scan(ctx, dataPrefix, func(k, v []byte) bool {
		if werr = writeField(k[len(dataPrefix):]); werr != nil {
			return false
		}
		if werr = writeField(v); werr != nil {
			return false
		}
		count++
		return true
	})
	if err != nil {
		return domain.EmptyMarker, 0, fmt.Errorf("epoch: %s: export scan: %w", s.name, err)
	}
	if werr != nil {
		return domain.EmptyMarker, 0, fmt.Errorf("epoch: %s: export write: %w", s.name, werr)
	}
	if err := bw.Flush(); err != nil {
		return domain.EmptyMarker, 0, fmt.Errorf("epoch: %s: export flush: %w", s.name, err)
	}

	return s.latest, count, nil
}

// Import replaces the store's contents with records written by Export and
// marks them committed at marker. The latest marker is written last, so
// an interrupted import leaves the store at EmptyMarker.
func (s *Store) Import(ctx context.Context, r io.Reader, marker domain.Marker) (int64, error) {
	if !s.IsOpen() {
		return 0, domain.ErrStoreClosed.WithDetails(s.name)
	}
	if marker.IsEmpty() {
		return 0, domain.ErrInvalidMarker
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.DropAll(ctx); err != nil {
		return 0, fmt.Errorf("epoch: %s: import drop: %w", s.name, err)
	}
	s.latest = domain.EmptyMarker
	s.pending = domain.EmptyMarker

	br := bufio.NewReader(r)
	batch := storage.NewBatch()
	var count int64
	for {
		key, err := readField(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("epoch: %s: import key %d: %w", s.name, count, err)
		}
		value, err := readField(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return count, fmt.Errorf("epoch: %s: import value %d: %w", s.name, count, err)
		}

		batch.Set(dataKey(key), value)
		count++
		if batch.Len() >= importBatchSize {
			if err := s.engine.Apply(ctx, batch); err != nil {
				return count, fmt.Errorf("epoch: %s: import apply: %w", s.name, err)
			}
			batch = storage.NewBatch()
		}
	}

	batch.Set(keyLatest, marker.Bytes())
	if err := s.engine.Apply(ctx, batch); err != nil {
		return count, fmt.Errorf("epoch: %s: import apply: %w", s.name, err)
	}
	s.latest = marker

	s.logger.Info("epoch store imported", "marker", marker, "records", count)
	return count, nil
}

func readField(br *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	if n > maxRecordField {
		return nil, fmt.Errorf("record field too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
