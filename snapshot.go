package parhash

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/pierrec/lz4"
	"go.uber.org/zap"
)

// Snapshot file layout, little endian:
//
//	0:4    magic "PHS1"
//	4:6    version
//	6:8    reserved
//	8:24   store id
//	24:44  max_keys, key_size, value_size, kv_pair_size, num_buckets (uint32 each)
//	44:64  reserved
//	64:    lz4 frame: slot arena bytes, then one uint32 link per slot, then
//	       one uint32 head per bucket
const (
	snapshotMagic      = "PHS1"
	snapshotVersion    = 1
	snapshotHeaderSize = 64

	// lz4 never compresses by more than this factor.
	maxCompressionRatio = 256
)

// WriteSnapshot saves the table to path, replacing any existing file
// atomically. Slot indices are preserved, so iterators remain usable
// against a Store loaded from the snapshot.
func (s *Store) WriteSnapshot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	start := time.Now()

	var buf bytes.Buffer
	hdr := make([]byte, snapshotHeaderSize)
	copy(hdr[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotVersion)
	copy(hdr[8:24], s.id[:])
	for i, v := range []uint32{
		s.cfg.MaxKeys,
		s.cfg.KeySize,
		s.cfg.ValueSize,
		s.cfg.KVPairSize,
		uint32(s.table.NumBuckets()),
	} {
		binary.LittleEndian.PutUint32(hdr[24+4*i:], v)
	}
	buf.Write(hdr)

	slots, links, heads := s.table.export()
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(slots); err != nil {
		return fmt.Errorf("parhash: compressing snapshot: %w", err)
	}
	if err := binary.Write(zw, binary.LittleEndian, links); err != nil {
		return fmt.Errorf("parhash: compressing snapshot: %w", err)
	}
	if err := binary.Write(zw, binary.LittleEndian, heads); err != nil {
		return fmt.Errorf("parhash: compressing snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("parhash: compressing snapshot: %w", err)
	}

	size := buf.Len()
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("parhash: writing snapshot: %w", err)
	}
	s.logger.Info("snapshot written",
		zap.String("path", path),
		zap.Int("len", s.table.Len()),
		zap.Int("bytes", size),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// LoadSnapshot builds a Store from a file written by WriteSnapshot. The
// geometry comes from the file; tuning fields take their defaults. The
// snapshot must be loaded with the same Hasher it was written with.
func LoadSnapshot(path string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parhash: opening snapshot: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	hdr := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrSnapshotFormat, err)
	}
	if string(hdr[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrSnapshotFormat, hdr[0:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrSnapshotFormat, v, snapshotVersion)
	}
	id, err := uuid.FromBytes(hdr[8:24])
	if err != nil {
		return nil, fmt.Errorf("%w: store id: %v", ErrSnapshotFormat, err)
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(hdr[24+4*i:]) }
	cfg := DefaultConfig()
	cfg.MaxKeys = word(0)
	cfg.KeySize = word(1)
	cfg.ValueSize = word(2)
	cfg.KVPairSize = word(3)
	cfg.NumBuckets = word(4)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFormat, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("parhash: opening snapshot: %w", err)
	}
	payload := cfg.arenaBytes() + 4*uint64(cfg.MaxKeys) + 4*uint64(cfg.NumBuckets)
	if body := uint64(fi.Size() - snapshotHeaderSize); body < payload/maxCompressionRatio {
		return nil, fmt.Errorf("%w: %d byte body cannot hold %d bytes of table", ErrSnapshotFormat, body, payload)
	}

	table, err := NewTable(cfg, o.hasher)
	if err != nil {
		return nil, err
	}
	slots := make([]byte, int(cfg.MaxKeys)*int(cfg.KVPairSize))
	links := make([]uint32, cfg.MaxKeys)
	heads := make([]uint32, cfg.NumBuckets)
	zr := lz4.NewReader(r)
	if _, err := io.ReadFull(zr, slots); err != nil {
		return nil, fmt.Errorf("%w: reading slots: %v", ErrSnapshotFormat, err)
	}
	if err := binary.Read(zr, binary.LittleEndian, links); err != nil {
		return nil, fmt.Errorf("%w: reading links: %v", ErrSnapshotFormat, err)
	}
	if err := binary.Read(zr, binary.LittleEndian, heads); err != nil {
		return nil, fmt.Errorf("%w: reading bucket heads: %v", ErrSnapshotFormat, err)
	}
	if n, err := zr.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		return nil, fmt.Errorf("%w: bad frame end: %d trailing bytes, %v", ErrSnapshotFormat, n, err)
	}
	if err := table.restore(slots, links, heads); err != nil {
		return nil, err
	}

	s, err := newStore(cfg, id, table, o)
	if err != nil {
		return nil, err
	}
	s.logger.Info("snapshot loaded",
		zap.String("path", path),
		zap.Int("len", table.Len()),
		zap.Duration("duration", time.Since(start)),
	)
	return s, nil
}

// IsSnapshotFormat reports whether err means a snapshot file was unreadable
// as opposed to missing.
func IsSnapshotFormat(err error) bool {
	return errors.Is(err, ErrSnapshotFormat)
}
