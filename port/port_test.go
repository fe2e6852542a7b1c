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

package port

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/Avnu/gptp/protocol"
)

// fakeTransport records every frame handed to it and returns a
// caller-controlled TX timestamp, standing in for netio.
type fakeTransport struct {
	mu       sync.Mutex
	events   [][]byte
	generals [][]byte
	nextTxTS ptp.Timestamp
}

func (f *fakeTransport) SendEvent(b []byte) (ptp.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, append([]byte(nil), b...))
	return f.nextTxTS, nil
}

func (f *fakeTransport) SendGeneral(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generals = append(f.generals, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// fakeClock is a hardware clock stand-in with a caller-advanced time.
type fakeClock struct {
	mu  sync.Mutex
	now ptp.Timestamp
}

func (c *fakeClock) Now() (ptp.Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, err := ptp.AddDuration(c.now, d.Nanoseconds())
	if err == nil {
		c.now = ts
	}
}

func (c *fakeClock) SetFrequency(float64) error { return nil }
func (c *fakeClock) Step(time.Duration) error    { return nil }

type fakeIPC struct {
	mu   sync.Mutex
	last Snapshot
}

func (f *fakeIPC) Publish(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = s
}

func newTestPort(cfg Config) (*Port, *fakeTransport, *fakeClock, *fakeIPC) {
	trans := &fakeTransport{nextTxTS: ptp.Timestamp{Seconds: ptp.NewPTPSecondsFromUint64(1)}}
	clock := &fakeClock{now: ptp.Timestamp{Seconds: ptp.NewPTPSecondsFromUint64(1)}}
	ipc := &fakeIPC{}
	p := New(cfg, trans, clock, ipc)
	return p, trans, clock, ipc
}

func TestPowerUpEntersListening(t *testing.T) {
	p, _, _, _ := newTestPort(DefaultConfig())
	p.handle(Event{Type: EvPowerUp})
	require.Equal(t, ptp.PortStateListening, p.State())
}

func TestAnnounceReceiptTimeoutBecomesMasterWithNoForeignMaster(t *testing.T) {
	p, _, _, _ := newTestPort(DefaultConfig())
	p.handle(Event{Type: EvPowerUp})
	p.handle(Event{Type: EvAnnounceReceiptTimeout})
	require.Equal(t, ptp.PortStateMaster, p.State())
}

func TestBecomeSlaveOnBetterAnnounce(t *testing.T) {
	p, _, _, _ := newTestPort(DefaultConfig())
	p.handle(Event{Type: EvPowerUp})

	better := &ptp.Announce{
		Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 0xAAAA, PortNumber: 1}},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1: 1, // lower is better
			GrandmasterIdentity:  0xAAAA,
		},
	}
	// two Announces within the window are required to qualify
	p.handle(Event{Type: EvReceive, Msg: better})
	p.handle(Event{Type: EvReceive, Msg: better})

	require.Equal(t, ptp.PortStateSlave, p.State())
}

func TestAutomotiveProfileIgnoresAnnounce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Automotive.Enabled = true
	cfg.Automotive.ForceGrandmaster = true
	p, _, _, _ := newTestPort(cfg)
	p.handle(Event{Type: EvPowerUp})
	require.Equal(t, ptp.PortStateMaster, p.State())

	better := &ptp.Announce{
		Header:       ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 0xAAAA, PortNumber: 1}},
		AnnounceBody: ptp.AnnounceBody{GrandmasterPriority1: 1, GrandmasterIdentity: 0xAAAA},
	}
	p.handle(Event{Type: EvReceive, Msg: better})
	require.Equal(t, ptp.PortStateMaster, p.State(), "automotive profile must not react to Announce")
}

func TestLinkDownDisablesPort(t *testing.T) {
	p, _, _, _ := newTestPort(DefaultConfig())
	p.handle(Event{Type: EvPowerUp})
	p.handle(Event{Type: EvLinkDown})
	require.Equal(t, ptp.PortStateDisabled, p.State())
	require.False(t, p.ASCapable())
}

func TestSequenceDisciplineTriggersMasterOnRepeatedGaps(t *testing.T) {
	p, _, _, _ := newTestPort(DefaultConfig())
	p.handle(Event{Type: EvPowerUp})
	p.asCapable = true

	for i := 0; i < p.cfg.SyncReceiptThresh; i++ {
		p.checkSequence(uint16(100 + i*5)) // always a gap, never expected+1
	}
	require.Equal(t, ptp.PortStateMaster, p.State())
}

func TestSequenceDisciplineResetsOnInOrderSync(t *testing.T) {
	p, _, _, _ := newTestPort(DefaultConfig())
	p.asCapable = true
	p.seqSync = 4
	p.checkSequence(5)
	require.Equal(t, 0, p.wrongSeqID)
}

func TestPeerDelayPromotesASCapableAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeqIDAsCapableThresh = 2
	cfg.NeighborPropDelayThresh = 10 * time.Microsecond
	p, _, clock, _ := newTestPort(cfg)
	p.pd.running = true

	for i := 0; i < cfg.SeqIDAsCapableThresh; i++ {
		clock.advance(time.Microsecond)
		p.pd.t1 = clock.now
		clock.advance(time.Microsecond)
		respRx := clock.now
		clock.advance(time.Microsecond)
		p.pd.finish(respRx, respRx, clock.now, 0)
	}
	require.True(t, p.ASCapable())
}

func TestPeerDelayDemotesASCapableAfterLostResponses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LostPdelayRespThresh = 2
	p, _, _, _ := newTestPort(cfg)
	p.asCapable = true
	p.pd.haveOutstanding = true

	for i := 0; i < cfg.LostPdelayRespThresh; i++ {
		p.pd.haveOutstanding = true
		p.pd.onRespTimeout()
	}
	require.False(t, p.ASCapable())
}

func TestPeerDelayRejectsNegativeMeanDelay(t *testing.T) {
	p, _, clock, _ := newTestPort(DefaultConfig())
	p.pd.t1 = clock.now
	// respOriginTS far in the future compared to respRx makes the
	// turnaround term dominate the round trip, producing a negative
	// meanDelay that must be discarded rather than stored.
	future, err := ptp.AddDuration(clock.now, int64(time.Second))
	require.NoError(t, err)
	p.pd.finish(clock.now, future, clock.now, 0)
	require.Equal(t, int64(0), p.pd.meanLinkDelayNS)
}

func TestOnewayStepSyncFeedsServoWithoutFollowUp(t *testing.T) {
	p, _, clock, _ := newTestPort(DefaultConfig())
	p.asCapable = true
	origin := clock.now
	sync := &ptp.SyncDelayReq{
		Header:           ptp.Header{SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0), SequenceID: 1},
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: origin},
	}
	before := p.syncCount
	p.onSync(sync, clock.now)
	require.Equal(t, before+1, p.syncCount)
}

func TestTwoStepSyncWaitsForFollowUp(t *testing.T) {
	p, _, clock, _ := newTestPort(DefaultConfig())
	p.asCapable = true
	sync := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType: ptp.NewSdoIDAndMsgType(ptp.MessageSync, 0),
			FlagField:       ptp.FlagTwoStep,
			SequenceID:      7,
		},
	}
	p.onSync(sync, clock.now)
	require.Contains(t, p.pendingSync, uint16(7))

	before := p.syncCount
	fu := &ptp.FollowUp{
		Header:       ptp.Header{SequenceID: 7},
		FollowUpBody: ptp.FollowUpBody{PreciseOriginTimestamp: p.pendingSync[7].rxLocal},
	}
	p.onFollowUp(fu)
	require.NotContains(t, p.pendingSync, uint16(7))
	require.Equal(t, before+1, p.syncCount)
}
