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

// Package ipc publishes gPTP's current time-sync state through POSIX
// shared memory (spec.md §6), the same mechanism fbclock.Shm uses, so
// that other processes on the host can read the daemon's grandmaster
// offset/frequency without calling into it. Where fbclock.Shm binds to
// its C layout via cgo (fbclock.h, not present in this module), this
// package mmaps the region directly with golang.org/x/sys/unix and
// hand-rolls the binary layout, matching fbclock.StoreFBClockData's
// "open fd, Truncate to fixed size, Mmap PROT_READ|PROT_WRITE" shape.
//
// The record mirrors gPtpTimeData from the reference implementation's
// ipcdef.hpp: both master-to-local and local-to-system phase-offset
// and frequency-ratio pairs, not just the master-to-local pair spec.md
// itself focuses on (see SPEC_FULL.md's Supplemented Features).
package ipc

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultPath is the POSIX shared-memory object gptp publishes to by
// default, analogous to fbclock's C.FBCLOCK_PATH.
const DefaultPath = "/gptp_shm"

// recordSize is the fixed on-disk/in-memory layout size: an 8-byte
// generation sequence number (for the lock-free read protocol below)
// followed by TimeData's fields in Store's write order: six 8-byte
// fields (48), five 1-byte priority/class/accuracy fields (5), three
// 1-byte log-interval fields (3), one 2-byte port number (2), two
// 4-byte counters (8), one 1-byte bool (1), one 4-byte process ID (4).
const recordSize = 8 + 48 + 5 + 3 + 2 + 8 + 1 + 4

// TimeData is the snapshot gptp exposes to IPC consumers, grounded on
// the reference implementation's gPtpTimeData struct.
type TimeData struct {
	MasterLocalOffsetNS int64
	MasterLocalFreqRatio float64
	LocalSystemOffsetNS int64
	LocalSystemFreqRatio float64
	LocalTimeNS          uint64
	GrandmasterID        uint64
	Priority1            uint8
	ClockClass           uint8
	ClockAccuracy        uint8
	Priority2            uint8
	DomainNumber         uint8
	LogSyncInterval      int8
	LogAnnounceInterval  int8
	LogPdelayInterval    int8
	PortNumber           uint16
	SyncCount            uint32
	PdelayCount          uint32
	ASCapable            bool
	ProcessID            int32
}

// Shm is a memory-mapped POSIX shared-memory region holding one
// TimeData record, guarded by a seqlock-style generation counter so
// readers never observe a torn write (spec.md §6: "consumers read
// without blocking the publisher").
type Shm struct {
	file *os.File
	data []byte
}

// OpenShm creates (if needed) and mmaps the shared-memory object at
// path with the given POSIX permissions, following fbclock.OpenShm's
// umask-clearing dance so the segment is readable by the configured
// group regardless of the daemon's umask.
func OpenShm(path string, perm os.FileMode) (*Shm, error) {
	oldUmask := unix.Umask(0)
	defer unix.Umask(oldUmask)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, perm)
	if err != nil {
		return nil, fmt.Errorf("opening shm object %s: %w", path, err)
	}
	if err := f.Truncate(recordSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating shm object to %d bytes: %w", recordSize, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, recordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap shm object: %w", err)
	}
	return &Shm{file: f, data: data}, nil
}

// Chown adjusts the shared-memory object's group ownership, per
// spec.md §6's -G flag (the reference implementation's daemon_cl.cpp
// does the equivalent chown after creating the segment).
func (s *Shm) Chown(gid int) error {
	return os.Chown(s.file.Name(), -1, gid)
}

// Close unmaps and closes the shared-memory object.
func (s *Shm) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		s.file.Close()
		return fmt.Errorf("munmap: %w", err)
	}
	return s.file.Close()
}

// Store writes a new TimeData snapshot using a seqlock: the generation
// counter is bumped to an odd value before the write and to the next
// even value after, so Load can detect and retry a torn read.
func (s *Shm) Store(d TimeData) {
	gen := binary.LittleEndian.Uint64(s.data[0:8])
	gen++
	binary.LittleEndian.PutUint64(s.data[0:8], gen) // now odd: write in progress

	pos := 8
	putInt64(s.data, &pos, d.MasterLocalOffsetNS)
	putFloat64(s.data, &pos, d.MasterLocalFreqRatio)
	putInt64(s.data, &pos, d.LocalSystemOffsetNS)
	putFloat64(s.data, &pos, d.LocalSystemFreqRatio)
	putUint64(s.data, &pos, d.LocalTimeNS)
	putUint64(s.data, &pos, d.GrandmasterID)
	putUint8(s.data, &pos, d.Priority1)
	putUint8(s.data, &pos, d.ClockClass)
	putUint8(s.data, &pos, d.ClockAccuracy)
	putUint8(s.data, &pos, d.Priority2)
	putUint8(s.data, &pos, d.DomainNumber)
	putInt8(s.data, &pos, d.LogSyncInterval)
	putInt8(s.data, &pos, d.LogAnnounceInterval)
	putInt8(s.data, &pos, d.LogPdelayInterval)
	putUint16(s.data, &pos, d.PortNumber)
	putUint32(s.data, &pos, d.SyncCount)
	putUint32(s.data, &pos, d.PdelayCount)
	putBool(s.data, &pos, d.ASCapable)
	putInt32(s.data, &pos, d.ProcessID)

	gen++
	binary.LittleEndian.PutUint64(s.data[0:8], gen) // now even: write complete
}

// Load reads the current TimeData snapshot, retrying if a concurrent
// Store was observed mid-write (odd generation, or generation changed
// across the read).
func (s *Shm) Load() TimeData {
	for {
		g1 := binary.LittleEndian.Uint64(s.data[0:8])
		if g1%2 == 1 {
			continue
		}
		d := s.decode()
		g2 := binary.LittleEndian.Uint64(s.data[0:8])
		if g1 == g2 {
			return d
		}
	}
}

func (s *Shm) decode() TimeData {
	pos := 8
	var d TimeData
	d.MasterLocalOffsetNS = getInt64(s.data, &pos)
	d.MasterLocalFreqRatio = getFloat64(s.data, &pos)
	d.LocalSystemOffsetNS = getInt64(s.data, &pos)
	d.LocalSystemFreqRatio = getFloat64(s.data, &pos)
	d.LocalTimeNS = getUint64(s.data, &pos)
	d.GrandmasterID = getUint64(s.data, &pos)
	d.Priority1 = getUint8(s.data, &pos)
	d.ClockClass = getUint8(s.data, &pos)
	d.ClockAccuracy = getUint8(s.data, &pos)
	d.Priority2 = getUint8(s.data, &pos)
	d.DomainNumber = getUint8(s.data, &pos)
	d.LogSyncInterval = getInt8(s.data, &pos)
	d.LogAnnounceInterval = getInt8(s.data, &pos)
	d.LogPdelayInterval = getInt8(s.data, &pos)
	d.PortNumber = getUint16(s.data, &pos)
	d.SyncCount = getUint32(s.data, &pos)
	d.PdelayCount = getUint32(s.data, &pos)
	d.ASCapable = getBool(s.data, &pos)
	d.ProcessID = getInt32(s.data, &pos)
	return d
}
