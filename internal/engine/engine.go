// Package engine defines the storage-engine contract shared by the
// log-structured kvs engine and the bbolt-backed alternate engine, plus the
// directory inspection used to pick between them at startup.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyNotFound is returned by Remove for a key with no live record. Get
// does not return it: a miss is reported as a false result with a nil error.
var ErrKeyNotFound = errors.New("key not found")

// ErrCorrupt marks a runtime invariant violation detected while serving an
// operation: an indexed segment that isn't resident, an indexed offset that
// doesn't parse to a Set record for the expected key, or a data directory
// holding evidence of both engines.
var ErrCorrupt = errors.New("storage corrupt")

// Engine is the three-operation contract both backends satisfy.
//
//   - Get returns the value and true, or "" and false if the key is absent.
//     It never returns ErrKeyNotFound; absence is a normal result, not an
//     error.
//   - Set overwrites unconditionally and fails only on I/O or storage
//     invariant violations.
//   - Remove fails with ErrKeyNotFound for an absent key before attempting
//     any write.
type Engine interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// Kind names a concrete Engine implementation.
type Kind string

const (
	KindKVS  Kind = "kvs"
	KindBolt Kind = "sled"
)

// boltMarker is the companion file the bolt engine writes on first open;
// its presence on disk is the evidence Detect uses to recognize a directory
// that was previously opened with the bolt engine, the same way the kvs
// engine's evidence is simply "at least one NNNN.wal file exists".
const boltMarker = "ENGINE_BOLT"

// Detect inspects dir for evidence of a prior engine choice. It returns ""
// (no preference) for a fresh, empty directory, letting the caller's
// requested --engine decide. It returns an error if both kinds of evidence
// are present, since the two engines must never share a data directory.
func Detect(dir string) (Kind, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read data dir %q: %w", dir, err)
	}

	hasWAL := false
	hasBolt := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == boltMarker {
			hasBolt = true
			continue
		}
		if isWALName(name) {
			hasWAL = true
		}
	}

	switch {
	case hasWAL && hasBolt:
		return "", fmt.Errorf("%w: data dir %q has evidence of both engines", ErrCorrupt, dir)
	case hasWAL:
		return KindKVS, nil
	case hasBolt:
		return KindBolt, nil
	default:
		return "", nil
	}
}

// isWALName reports whether name matches the fixed-width segment filename
// format "NNNN.wal".
func isWALName(name string) bool {
	const digits = 4
	ext := ".wal"
	if len(name) != digits+len(ext) {
		return false
	}
	if name[digits:] != ext {
		return false
	}
	for i := 0; i < digits; i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}

// BoltMarkerPath returns the path of the bolt engine's on-disk evidence
// file inside dir, for use by the bolt engine package.
func BoltMarkerPath(dir string) string {
	return filepath.Join(dir, boltMarker)
}
