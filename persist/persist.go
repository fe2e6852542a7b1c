/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package persist implements the opaque byte-stream persistence file
// spec.md §6 and §9 describe: clock-state and port-state (asCapable,
// port_state, measured link delay, peer rate ratio) serialized on
// SIGHUP and restored byte-for-byte at the next start, satisfying
// spec.md §8's `restore(serialize(s)) == s` property. There is no
// persistence format in the teacher pack to ground this on directly,
// so the fixed little-endian field layout follows ipc.Shm's own
// hand-rolled binary encoding (same package family, same
// encoding/binary primitives) rather than a reflection-based codec
// like encoding/gob, keeping the on-disk format exactly as wide as the
// fields it holds.
package persist

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	ptp "github.com/Avnu/gptp/protocol"
)

// magic identifies a gptp persistence file so Load can refuse to
// restore from an unrelated or truncated file.
const magic = 0x67707470 // "gptp" in ASCII-derived hex

// version allows the on-disk layout to change without silently
// misinterpreting an older file.
const version = 1

// recordSize is magic(4) + version(4) + PortState(1) + ASCapable(1) +
// MeanLinkDelayNS(8) + NeighborRateRatio(8) + ServoFreqPPB(8).
const recordSize = 4 + 4 + 1 + 1 + 8 + 8 + 8

// State is the persistent subset of port and clock state spec.md §4's
// port lifecycle names: restored into a fresh Port/servo pair so a
// restart doesn't have to reacquire asCapable and re-converge the
// servo from zero.
type State struct {
	PortState         ptp.PortState
	ASCapable         bool
	MeanLinkDelayNS   int64
	NeighborRateRatio float64
	ServoFreqPPB      float64
}

// Serialize renders s as the opaque byte stream spec.md §6 specifies.
func Serialize(s State) []byte {
	b := make([]byte, recordSize)
	pos := 0
	binary.LittleEndian.PutUint32(b[pos:], magic)
	pos += 4
	binary.LittleEndian.PutUint32(b[pos:], version)
	pos += 4
	b[pos] = byte(s.PortState)
	pos++
	if s.ASCapable {
		b[pos] = 1
	}
	pos++
	binary.LittleEndian.PutUint64(b[pos:], uint64(s.MeanLinkDelayNS))
	pos += 8
	binary.LittleEndian.PutUint64(b[pos:], math.Float64bits(s.NeighborRateRatio))
	pos += 8
	binary.LittleEndian.PutUint64(b[pos:], math.Float64bits(s.ServoFreqPPB))
	pos += 8
	return b
}

// Deserialize is Serialize's inverse; it rejects a buffer that isn't a
// gptp persistence record of the expected version.
func Deserialize(b []byte) (State, error) {
	if len(b) != recordSize {
		return State{}, fmt.Errorf("persist: expected %d bytes, got %d", recordSize, len(b))
	}
	pos := 0
	if got := binary.LittleEndian.Uint32(b[pos:]); got != magic {
		return State{}, fmt.Errorf("persist: bad magic %#x", got)
	}
	pos += 4
	if got := binary.LittleEndian.Uint32(b[pos:]); got != version {
		return State{}, fmt.Errorf("persist: unsupported version %d", got)
	}
	pos += 4
	var s State
	s.PortState = ptp.PortState(b[pos])
	pos++
	s.ASCapable = b[pos] != 0
	pos++
	s.MeanLinkDelayNS = int64(binary.LittleEndian.Uint64(b[pos:]))
	pos += 8
	s.NeighborRateRatio = math.Float64frombits(binary.LittleEndian.Uint64(b[pos:]))
	pos += 8
	s.ServoFreqPPB = math.Float64frombits(binary.LittleEndian.Uint64(b[pos:]))
	pos += 8
	return s, nil
}

// File is the on-disk persistence file named by the -M flag.
type File struct {
	path string
}

// NewFile returns a File bound to path; path is only touched by Save
// and Load, never created eagerly.
func NewFile(path string) *File {
	return &File{path: path}
}

// Save writes s to the persistence file, replacing any prior contents.
// Called on SIGHUP per spec.md §6.
func (f *File) Save(s State) error {
	if f.path == "" {
		return nil
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, Serialize(s), 0600); err != nil {
		return fmt.Errorf("writing persistence file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("installing persistence file: %w", err)
	}
	return nil
}

// Load reads and validates the persistence file. A missing file is not
// an error: it returns the zero State, matching a first-ever start.
func (f *File) Load() (State, error) {
	if f.path == "" {
		return State{}, nil
	}
	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading persistence file: %w", err)
	}
	return Deserialize(b)
}
