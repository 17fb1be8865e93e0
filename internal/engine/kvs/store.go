// Package kvs implements the Bitcask-style log-structured storage engine:
// an append-only sequence of segment files, an in-memory key directory
// pointing at the most recent record for each key, and periodic compaction
// that collapses obsolete records into a single merged segment.
package kvs

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rkatre/kvs/internal/engine"
)

// Reference thresholds from spec.md §4.4: rotate the active segment once it
// holds at least this many records, and trigger compaction once the
// segment directory holds more than this many segments.
const (
	defaultRotationThreshold   = 100
	defaultCompactionThreshold = 5
)

// Option configures a Store at Open time.
type Option func(*Store)

// WithRotationThreshold overrides the record count (R) at which the active
// segment is rotated.
func WithRotationThreshold(n int) Option {
	return func(s *Store) { s.rotationThreshold = n }
}

// WithCompactionThreshold overrides the segment count (C), active segment
// included, above which rotation triggers a compaction before creating the
// new segment.
func WithCompactionThreshold(n int) Option {
	return func(s *Store) { s.compactionThreshold = n }
}

// WithOnRotate installs a test hook invoked synchronously right after a
// rotation (and any compaction it triggered) completes.
func WithOnRotate(f func()) Option {
	return func(s *Store) { s.onRotate = f }
}

// Store is the log-structured Engine implementation. It satisfies
// internal/engine.Engine.
type Store struct {
	dir string
	log *zap.SugaredLogger

	mu       sync.RWMutex
	segments []*segment // oldest first; last is always the active segment
	index    keydir

	nextID int // next id to allocate for a freshly created active segment

	rotationThreshold   int
	compactionThreshold int
	onRotate            func()
}

var _ engine.Engine = (*Store)(nil)

// Open recovers the key directory from dir's segment files (creating the
// directory and an initial segment if it's empty) and returns a ready
// Store.
func Open(dir string, log *zap.SugaredLogger, opts ...Option) (st *Store, err error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", dir, err)
	}

	segs, idx, err := recover(dir, log)
	if err != nil {
		return nil, fmt.Errorf("recover %q: %w", dir, err)
	}

	s := &Store{
		dir:                 dir,
		log:                 log,
		segments:            segs,
		index:               idx,
		rotationThreshold:   defaultRotationThreshold,
		compactionThreshold: defaultCompactionThreshold,
		onRotate:            func() {},
	}
	for _, opt := range opts {
		opt(s)
	}

	defer func() {
		if err != nil {
			for _, seg := range s.segments {
				_ = seg.close()
			}
		}
	}()

	if len(s.segments) == 0 {
		seg, err := createSegment(dir, 0)
		if err != nil {
			return nil, fmt.Errorf("create initial segment: %w", err)
		}
		s.segments = append(s.segments, seg)
		s.nextID = 2
	} else {
		s.nextID = int(s.active().id) + 2
	}

	log.Infow("kvs store opened",
		"data_dir", dir, "segments", len(s.segments), "active_segment_id", s.active().id, "keys", len(s.index))

	return s, nil
}

func (s *Store) active() *segment {
	return s.segments[len(s.segments)-1]
}

// Get looks up key in the directory and, if present, reads back the value
// from its indexed segment and offset.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.RLock()
	loc, ok := s.index.get(key)
	seg := s.segmentByID(loc.segmentID)
	s.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if seg == nil {
		return "", false, fmt.Errorf("%w: indexed segment %d for key %q not resident",
			engine.ErrCorrupt, loc.segmentID, key)
	}

	rec, err := seg.readAt(loc.offset)
	if err != nil {
		return "", false, fmt.Errorf("read indexed record for key %q: %w: %v", key, engine.ErrCorrupt, err)
	}
	if rec.Set == nil || rec.Set[0] != key {
		return "", false, fmt.Errorf("%w: record at %s:%d is not a Set for key %q",
			engine.ErrCorrupt, segmentName(loc.segmentID), loc.offset, key)
	}

	return rec.Set[1], true, nil
}

// segmentByID returns the resident segment with the given id, or nil. Must
// be called with s.mu held.
func (s *Store) segmentByID(id uint32) *segment {
	for _, seg := range s.segments {
		if seg.id == id {
			return seg
		}
	}
	return nil
}

// Set appends a Set record to the active segment and updates the
// directory to point at it, rotating (and, if warranted, compacting)
// first if the active segment has reached the rotation threshold.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeeded(); err != nil {
		return err
	}

	seg := s.active()
	offset, err := seg.append(setRecord(key, value))
	if err != nil {
		return err
	}

	s.index.set(key, location{segmentID: seg.id, offset: offset})
	return nil
}

// Remove appends a Del record for key, failing with ErrKeyNotFound before
// any write if key has no live entry.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.get(key); !ok {
		return fmt.Errorf("%w: %q", engine.ErrKeyNotFound, key)
	}

	if err := s.rotateIfNeeded(); err != nil {
		return err
	}

	seg := s.active()
	if _, err := seg.append(delRecord(key)); err != nil {
		return err
	}

	s.index.delete(key)
	return nil
}

// rotateIfNeeded seals the active segment and opens a new one once the
// active segment holds at least rotationThreshold records. Must be called
// with s.mu held.
func (s *Store) rotateIfNeeded() error {
	if s.active().recs < s.rotationThreshold {
		return nil
	}

	if len(s.segments) > s.compactionThreshold {
		if err := s.compact(); err != nil {
			return fmt.Errorf("compact before rotation: %w", err)
		}
	}

	id := uint32(s.nextID)
	seg, err := createSegment(s.dir, id)
	if err != nil {
		return fmt.Errorf("rotate to new segment %d: %w", id, err)
	}
	s.nextID += 2
	s.segments = append(s.segments, seg)

	s.log.Infow("rotated active segment", "new_segment_id", id, "total_segments", len(s.segments))
	s.onRotate()

	return nil
}

// Close flushes and closes every resident segment file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for _, seg := range s.segments {
		if err := seg.file.Sync(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sync segment %d: %w", seg.id, err))
		}
		if err := seg.close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close segment %d: %w", seg.id, err))
		}
	}
	return errs
}

// Stats summarizes the store's on-disk footprint.
type Stats struct {
	Segments        int
	ActiveSegmentID uint32
	Keys            int
	Bytes           int64
}

func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Segments:        len(s.segments),
		ActiveSegmentID: s.active().id,
		Keys:            len(s.index),
	}
	for _, seg := range s.segments {
		info, err := seg.file.Stat()
		if err != nil {
			return Stats{}, fmt.Errorf("stat segment %d: %w", seg.id, err)
		}
		st.Bytes += info.Size()
	}
	return st, nil
}

// Compact forces a merge regardless of the rotation/compaction thresholds,
// serving the protocol's reserved Compact request.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compact()
}
