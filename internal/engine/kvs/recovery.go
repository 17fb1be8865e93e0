package kvs

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// recoveredSegment is a segment loaded and replayed during Open.
type recoveredSegment struct {
	seg *segment
}

// recover enumerates every NNNN.wal file in dir, replays them oldest to
// newest rebuilding the key directory, and returns the ordered segment
// list (oldest first, active last) plus the rebuilt directory.
//
// Processing older to newer and letting each Set overwrite / each Del erase
// the directory entry makes the final directory reflect only the newest
// mention of each key — invariants 3-5 of spec.md §3.
func recover(dir string, log *zap.SugaredLogger) ([]*segment, keydir, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, nil, err
	}

	dirIndex := newKeydir()
	var segs []*segment

	for i, id := range ids {
		seg, err := openSegment(dir, id)
		if err != nil {
			return nil, nil, fmt.Errorf("open segment %s: %w", segmentName(id), err)
		}

		isLast := i == len(ids)-1
		validEnd, err := scanSegment(seg.file, func(sr scannedRecord) error {
			applyRecord(dirIndex, seg.id, sr)
			seg.recs++
			return nil
		})
		if err != nil {
			_ = seg.close()
			return nil, nil, fmt.Errorf("replay segment %s: %w", segmentName(id), err)
		}

		if validEnd != seg.size {
			// A truncated tail: only legal on the newest segment, since
			// every older segment is sealed and was fully written before
			// rotation ever created a newer one.
			if !isLast {
				_ = seg.close()
				return nil, nil, fmt.Errorf("segment %s has a truncated record before its end, "+
					"but is not the newest segment", segmentName(id))
			}
			log.Warnw("discarding truncated tail record on recovery",
				"segment_id", id, "valid_end", validEnd, "file_size", seg.size)
			if err := seg.truncate(validEnd); err != nil {
				_ = seg.close()
				return nil, nil, err
			}
		}

		segs = append(segs, seg)
	}

	warnOrphans(dir, ids, log)

	return segs, dirIndex, nil
}

// applyRecord folds one replayed record into the directory being rebuilt.
func applyRecord(dir keydir, segID uint32, sr scannedRecord) {
	switch {
	case sr.rec.Set != nil:
		dir.set(sr.rec.Set[0], location{segmentID: segID, offset: sr.offset})
	case sr.rec.Del != nil:
		dir.delete(*sr.rec.Del)
	}
}

// listSegmentIDs returns every segment id present in dir, in chronological
// (ascending) order.
func listSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir %q: %w", dir, err)
	}

	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != segmentIDWidth+len(segmentExt) || name[segmentIDWidth:] != segmentExt {
			continue
		}
		n, err := strconv.ParseUint(name[:segmentIDWidth], 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// warnOrphans logs a warning if files exist on disk that look like stray
// merge leftovers: this can only happen if a crash occurred between
// compaction writing its merged segment and deleting the segments it
// superseded. It's informational only — recovery itself is unaffected
// because replay order (ascending id) makes a leftover pre-merge segment's
// stale Set records get overwritten by the merged segment's fresher ones
// (the merged id is larger than every segment it replaces and smaller than
// the active one, so this only holds if the merge had, in fact, fully
// completed index-wise before the crash; otherwise the orphan check below
// is what surfaces the situation to an operator).
func warnOrphans(dir string, ids []uint32, log *zap.SugaredLogger) {
	// Under correct operation, a completed merge deletes every segment it
	// superseded, so no id should ever survive below the newest merge
	// output. The expected set after a merge is "the merged id and
	// anything newer"; the difference from the actual set on disk is the
	// orphan signal — a crash between writing the merged segment and
	// deleting its inputs.
	var newestMerged uint32
	haveMerged := false
	actual := mapset.NewSet[uint32]()
	for _, id := range ids {
		actual.Add(id)
		if id%2 == 1 && (!haveMerged || id > newestMerged) {
			newestMerged = id
			haveMerged = true
		}
	}
	if !haveMerged {
		return
	}

	expected := mapset.NewSet[uint32]()
	for _, id := range ids {
		if id >= newestMerged {
			expected.Add(id)
		}
	}

	for _, id := range actual.Difference(expected).ToSlice() {
		log.Warnw("possible leftover pre-merge segment alongside its merge output",
			"merged_segment_id", newestMerged, "stale_segment_id", id, "data_dir", dir)
	}
}
