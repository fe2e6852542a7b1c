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

// Package bmca implements the Best Master Clock Algorithm comparison
// defined in IEEE 1588-2019 clause 9.3.4, plus the foreignMaster
// qualification and single-best-record bookkeeping a gPTP port needs
// to decide whether to stay master, become slave, or preempt.
package bmca

import (
	"time"

	ptp "github.com/Avnu/gptp/protocol"
)

// Result is the outcome of comparing two Announce records.
type Result int8

const (
	// ABetterTopo means A is better purely on topology (stepsRemoved/port identity)
	ABetterTopo Result = 2
	// ABetter means A is better on grandmaster attributes
	ABetter Result = 1
	// Unknown means the two records are identical
	Unknown Result = 0
	// BBetter means B is better on grandmaster attributes
	BBetter Result = -1
	// BBetterTopo means B is better purely on topology
	BBetterTopo Result = -2
)

// ComparePortIdentity orders two PortIdentity values lexicographically.
// ClockIdentity is compared as unsigned: a plain int64 subtraction
// mis-signs whenever either identity's high bit is set (EUI-64
// addresses derived from a MAC with the locally-administered bit on
// commonly do).
func ComparePortIdentity(this, that *ptp.PortIdentity) int64 {
	if this.ClockIdentity < that.ClockIdentity {
		return -1
	}
	if this.ClockIdentity > that.ClockIdentity {
		return 1
	}
	return int64(this.PortNumber) - int64(that.PortNumber)
}

// Dscmp2 is the topology tie-break of IEEE 1588 figure 27: shorter
// stepsRemoved wins, and if tied, lexicographically smaller sender
// PortIdentity wins.
func Dscmp2(a, b *ptp.Announce) Result {
	if a.StepsRemoved < b.StepsRemoved {
		return ABetter
	}
	if b.StepsRemoved < a.StepsRemoved {
		return BBetter
	}
	diff := ComparePortIdentity(&a.Header.SourcePortIdentity, &b.Header.SourcePortIdentity)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	return Unknown
}

// Dscmp implements the full dataset comparison chain from IEEE 1588
// §9.3.4: grandmasterIdentity, priority1, clockClass, clockAccuracy,
// offsetScaledLogVariance, priority2, then the Dscmp2 topology tie-break.
func Dscmp(a, b *ptp.Announce) Result {
	if a.AnnounceBody == b.AnnounceBody {
		return Unknown
	}
	if a.GrandmasterIdentity == b.GrandmasterIdentity {
		return Dscmp2(a, b)
	}
	if a.GrandmasterPriority1 != b.GrandmasterPriority1 {
		return betterOf(a.GrandmasterPriority1 < b.GrandmasterPriority1)
	}
	if a.GrandmasterClockQuality.ClockClass != b.GrandmasterClockQuality.ClockClass {
		return betterOf(a.GrandmasterClockQuality.ClockClass < b.GrandmasterClockQuality.ClockClass)
	}
	if a.GrandmasterClockQuality.ClockAccuracy != b.GrandmasterClockQuality.ClockAccuracy {
		return betterOf(a.GrandmasterClockQuality.ClockAccuracy < b.GrandmasterClockQuality.ClockAccuracy)
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance != b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return betterOf(a.GrandmasterClockQuality.OffsetScaledLogVariance < b.GrandmasterClockQuality.OffsetScaledLogVariance)
	}
	if a.GrandmasterPriority2 != b.GrandmasterPriority2 {
		return betterOf(a.GrandmasterPriority2 < b.GrandmasterPriority2)
	}
	return betterOf(a.GrandmasterIdentity < b.GrandmasterIdentity)
}

func betterOf(aWins bool) Result {
	if aWins {
		return ABetter
	}
	return BBetter
}

// SyntheticAnnounce builds the Announce-shaped record representing the
// local clock's own grandmaster attributes, for comparison against
// received records (spec.md §4.4: "the local clock's own attributes
// form a synthetic Announce for comparison").
func SyntheticAnnounce(self ptp.PortIdentity, priority1, priority2 uint8, quality ptp.ClockQuality, stepsRemoved uint16) *ptp.Announce {
	return &ptp.Announce{
		Header: ptp.Header{SourcePortIdentity: self},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1:    priority1,
			GrandmasterClockQuality: quality,
			GrandmasterPriority2:    priority2,
			GrandmasterIdentity:     ClockIdentityOf(self),
			StepsRemoved:            stepsRemoved,
		},
	}
}

// ClockIdentityOf is a small accessor kept separate so tests can stub it.
func ClockIdentityOf(pid ptp.PortIdentity) ptp.ClockIdentity { return pid.ClockIdentity }

// ForeignMasterRecord tracks the qualification state of Announces
// received from one sender, per spec.md §4.4: "qualified if ... two
// Announce messages from the same sender within the announce-receipt
// window".
type ForeignMasterRecord struct {
	Sender       ptp.PortIdentity
	Messages     []received
	Qualified    bool
	Best         *ptp.Announce
	AnnounceWindow time.Duration
}

type received struct {
	at  time.Time
	msg *ptp.Announce
}

// NewForeignMasterRecord constructs a tracker for a given sender.
func NewForeignMasterRecord(sender ptp.PortIdentity, announceWindow time.Duration) *ForeignMasterRecord {
	return &ForeignMasterRecord{Sender: sender, AnnounceWindow: announceWindow}
}

// Record registers a newly received Announce from this sender at time
// now, pruning entries older than the announce window, and updates
// qualification (true once 2 messages fall inside the window).
func (f *ForeignMasterRecord) Record(now time.Time, msg *ptp.Announce) {
	f.Messages = append(f.Messages, received{at: now, msg: msg})
	cutoff := now.Add(-f.AnnounceWindow)
	kept := f.Messages[:0]
	for _, m := range f.Messages {
		if m.at.After(cutoff) {
			kept = append(kept, m)
		}
	}
	f.Messages = kept
	f.Qualified = len(f.Messages) >= 2
	if f.Qualified {
		f.Best = f.Messages[len(f.Messages)-1].msg
	}
}

// ForeignMasterSet tracks per-sender qualification across all Announces
// a port has received, and exposes the single best qualified Announce
// for BMCA evaluation. It is not safe for concurrent use; callers hold
// the port lock (spec.md §5) around all access.
type ForeignMasterSet struct {
	announceWindow time.Duration
	bySender       map[ptp.ClockIdentity]*ForeignMasterRecord
}

// NewForeignMasterSet builds an empty set using the given announce
// receipt window (typically 2x the announce interval).
func NewForeignMasterSet(announceWindow time.Duration) *ForeignMasterSet {
	return &ForeignMasterSet{
		announceWindow: announceWindow,
		bySender:       make(map[ptp.ClockIdentity]*ForeignMasterRecord),
	}
}

// Observe records a received Announce and returns whether its sender's
// record just became (or already was) qualified.
func (s *ForeignMasterSet) Observe(now time.Time, msg *ptp.Announce) bool {
	sender := msg.Header.SourcePortIdentity
	rec, ok := s.bySender[sender.ClockIdentity]
	if !ok {
		rec = NewForeignMasterRecord(sender, s.announceWindow)
		s.bySender[sender.ClockIdentity] = rec
	}
	rec.Record(now, msg)
	return rec.Qualified
}

// Expire drops a sender's record entirely, used when its announce
// receipt timeout fires (spec.md §4.1, ANNOUNCE_RECEIPT_TIMEOUT_EXPIRES).
func (s *ForeignMasterSet) Expire(sender ptp.ClockIdentity) {
	delete(s.bySender, sender)
}

// Best returns the best qualified Announce across all tracked senders,
// or nil if none qualify yet. Ties are broken by Dscmp, which is a
// total order for distinct grandmasterIdentity/sender combinations.
func (s *ForeignMasterSet) Best() *ptp.Announce {
	var best *ptp.Announce
	for _, rec := range s.bySender {
		if !rec.Qualified || rec.Best == nil {
			continue
		}
		if best == nil || Dscmp(rec.Best, best) == ABetter || Dscmp(rec.Best, best) == ABetterTopo {
			best = rec.Best
		}
	}
	return best
}
