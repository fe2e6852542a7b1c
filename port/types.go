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

// Package port implements the gPTP port state machine (spec.md §4.1)
// and the peer-delay measurement loop (spec.md §4.2): the central
// protocol engine that drives Sync/Follow-Up/Announce/Pdelay message
// exchange, BMCA re-evaluation, and clock servo feeding.
//
// Where spec.md §5 describes three physical threads serializing
// through a single recursive port lock, this package instead runs the
// whole state machine as a single goroutine consuming events from one
// channel: RX, timer, and link-watch sources all post Events onto it
// rather than acquiring a lock directly. This gives the same "at most
// one handler active, in posting order, per source" guarantees spec.md
// requires, expressed with Go's native concurrency idiom instead of a
// hand-rolled recursive mutex.
package port

import (
	"time"

	ptp "github.com/Avnu/gptp/protocol"
)

// EventType enumerates the port state machine's input alphabet
// (spec.md §4.1).
type EventType int

// Event types driving the state machine.
const (
	EvPowerUp EventType = iota
	EvInitialize
	EvLinkUp
	EvLinkDown
	EvStateChange
	EvPdelayIntervalTimeout
	EvSyncIntervalTimeout
	EvAnnounceIntervalTimeout
	EvSyncReceiptTimeout
	EvAnnounceReceiptTimeout
	EvPdelayReceiptTimeout
	EvPdelayRespReceiptTimeout
	EvFaultDetected
	EvReceive
	EvShutdown
)

// Event is one input to the port state machine's run loop.
type Event struct {
	Type EventType
	Msg  ptp.Packet
	// RxTime is the hardware RX timestamp netio captured when the frame
	// arrived, used instead of a fresh hw.Now() read at processing time
	// so queueing delay between capture and dispatch doesn't leak into
	// t2/t4 (spec.md §4.2).
	RxTime ptp.Timestamp
}

// Counters mirrors the sixteen IEEE 802.1AS-2011 managed objects named
// in spec.md §3.
type Counters struct {
	RxSync                               uint64
	RxFollowUp                           uint64
	RxPdelayRequest                      uint64
	RxPdelayResponse                     uint64
	RxPdelayResponseFollowUp             uint64
	RxAnnounce                           uint64
	RxPTPPacketDiscard                   uint64
	RxSyncReceiptTimeouts                uint64
	AnnounceReceiptTimeouts              uint64
	PdelayAllowedLostResponsesExceeded   uint64
	TxSync                               uint64
	TxFollowUp                           uint64
	TxPdelayRequest                      uint64
	TxPdelayResponse                     uint64
	TxPdelayResponseFollowUp             uint64
	TxAnnounce                           uint64
}

// Config holds the tunables spec.md §6 lists under the `[port]` and
// `[ptp]` INI sections plus the CLI flags that parameterize the state
// machine.
type Config struct {
	ClockIdentity ptp.ClockIdentity
	PortNumber    uint16
	Domain        uint8

	Priority1 uint8
	Priority2 uint8

	InitialLogSyncInterval     ptp.LogInterval
	OperationalLogSyncInterval ptp.LogInterval
	InitialLogPdelayInterval   ptp.LogInterval
	OperationalLogPdelayInterval ptp.LogInterval
	LogAnnounceInterval        ptp.LogInterval

	AnnounceReceiptTimeout  int // multiplier, default 3
	SyncReceiptTimeout      int // multiplier, default 3
	SyncReceiptThresh       int // default 5, spec.md §4.1
	NeighborPropDelayThresh time.Duration // default 800ns
	SeqIDAsCapableThresh    int           // default 2
	LostPdelayRespThresh    int           // default 3
	AllowNegativeCorrField  bool

	// PHYDelay is added to both TX and RX timestamps for this port's
	// link speed (spec.md §9 open question #3: applied consistently
	// to one-step Sync origin timestamps and Pdelay-Req TX timestamps).
	PHYDelayTxNS int64
	PHYDelayRxNS int64

	// Automotive holds the AVnu automotive profile overrides
	// (spec.md §4.1 "Automotive profile override").
	Automotive AutomotiveConfig

	EnableServo bool // -S
}

// AutomotiveConfig captures the -V/-T/-L/-GM flag family.
type AutomotiveConfig struct {
	Enabled         bool
	ForceGrandmaster bool // -GM, only meaningful if Enabled
	// SwitchToOperationalOnFirstSync, with the profile enabled, lets the
	// sync interval move from initial to operational after the first
	// successful sync; when false the sync interval stays initial. The
	// pdelay interval does not consult it.
	SwitchToOperationalOnFirstSync bool
}

// DefaultConfig returns the spec-mandated defaults (spec.md §4.1, §4.2,
// §6).
func DefaultConfig() Config {
	return Config{
		Priority1:               248,
		Priority2:               248,
		AnnounceReceiptTimeout:  3,
		SyncReceiptTimeout:      3,
		SyncReceiptThresh:       5,
		NeighborPropDelayThresh: 800 * time.Nanosecond,
		SeqIDAsCapableThresh:    2,
		LostPdelayRespThresh:    3,
		EnableServo:             true,
	}
}
