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
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Avnu/gptp/bmca"
	"github.com/Avnu/gptp/persist"
	ptp "github.com/Avnu/gptp/protocol"
	"github.com/Avnu/gptp/servo"
	"github.com/Avnu/gptp/timer"
)

// Transport abstracts raw-Ethernet send/receive with TX timestamp
// capture (spec.md §2 component 2, external collaborator). A concrete
// implementation lives in package netio.
type Transport interface {
	// SendEvent transmits an event message (Sync, Pdelay-Req,
	// Pdelay-Resp) and returns its hardware TX timestamp.
	SendEvent(b []byte) (ptp.Timestamp, error)
	// SendGeneral transmits a general message (Follow-Up, Announce,
	// Pdelay-Resp-Follow-Up, Signaling); no TX timestamp is needed.
	SendGeneral(b []byte) error
	Close() error
}

// HWClock abstracts the hardware timestamper (spec.md §2 component 3):
// current device time and rate/phase adjustment commands.
type HWClock interface {
	Now() (ptp.Timestamp, error)
	SetFrequency(ppb float64) error
	Step(d time.Duration) error
}

// IPCPublisher is notified after each successful sync cycle so it can
// refresh the exported TimeData snapshot (spec.md §6).
type IPCPublisher interface {
	Publish(snapshot Snapshot)
}

// Snapshot is the subset of port/clock state handed to the
// IPCPublisher after each servo sample (in cmd/gptp: the IPC shared
// memory writer and the metrics exporter).
type Snapshot struct {
	State               ptp.PortState
	ASCapable           bool
	GrandmasterIdentity ptp.ClockIdentity
	MasterLocalOffsetNS int64
	MasterLocalFreqPPB  float64
	MeanLinkDelayNS     int64
	SyncCount           uint64
	PdelayCount         uint64
	Counters            Counters
}

// Port is one gPTP port's state machine; PeerDelay reaches the HWClock,
// Transport, timers and counters through its back-pointer to Port.
type Port struct {
	cfg    Config
	log    *log.Entry
	trans  Transport
	hw     HWClock
	ipc    IPCPublisher
	timers *timer.Queue
	servo  *servo.GPTPServo
	pd     *PeerDelay
	fms    *bmca.ForeignMasterSet

	events chan Event

	state     ptp.PortState
	asCapable bool

	seqSync     uint16
	seqAnnounce uint16

	counters Counters

	// sync pipeline bookkeeping
	pendingSync map[uint16]pendingSync
	wrongSeqID  int
	syncCount   uint64

	// masterLocalOffsetNS is the servo's last observed phase offset phi
	// (spec.md §6 ml_phoffset), distinct from pd.meanLinkDelayNS which
	// is the one-way link delay D.
	masterLocalOffsetNS int64

	// timer handles, cancelled/rearmed on state transitions
	hSyncInterval     timer.Handle
	hAnnounceInterval timer.Handle
	hSyncReceipt      timer.Handle
	hAnnounceReceipt  timer.Handle

	grandmaster *ptp.Announce // best qualified Announce currently selected, nil if we are it

	// restored is true once Restore has loaded a persisted port_state,
	// telling onPowerUp to resume that state directly instead of always
	// re-entering LISTENING (spec.md §6 scenario 6).
	restored bool

	done chan struct{}
}

type pendingSync struct {
	rxLocal  ptp.Timestamp
	recvTime time.Time
}

// Timer types, one per spec.md §4.1 timeout/interval kind.
const (
	timerSyncInterval timer.Type = iota
	timerAnnounceInterval
	timerSyncReceipt
	timerAnnounceReceipt
	timerPdelayInterval
	timerPdelayReceipt
	timerPdelayRespReceipt
)

// New constructs a Port in state INITIALIZING. Call Run to start its
// event loop (spec.md §4.1's "Port is constructed with a reference to
// the Clock, initialized ... enters INITIALIZING").
func New(cfg Config, trans Transport, hw HWClock, ipc IPCPublisher) *Port {
	announceWindow := time.Duration(math.Pow(2, float64(cfg.LogAnnounceInterval))*float64(cfg.AnnounceReceiptTimeout)) * time.Second
	if announceWindow <= 0 {
		announceWindow = 3 * time.Second
	}
	p := &Port{
		cfg:         cfg,
		log:         log.WithField("port", cfg.PortNumber).WithField("iface", "gptp"),
		trans:       trans,
		hw:          hw,
		ipc:         ipc,
		timers:      timer.NewQueue(),
		servo:       servo.NewGPTPServo(0),
		fms:         bmca.NewForeignMasterSet(announceWindow),
		events:      make(chan Event, 256),
		state:       ptp.PortStateInitializing,
		pendingSync: make(map[uint16]pendingSync),
		done:        make(chan struct{}),
	}
	p.pd = NewPeerDelay(p)
	return p
}

// Post enqueues an event for the port's run loop. Safe to call from
// any goroutine (RX, timer, link-watch); spec.md §5's "events from the
// same source thread are processed in the order posted" holds because
// each source posts to this single channel in its own call order.
func (p *Port) Post(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// Run drives the state machine until Shutdown is posted or ctx-less
// close via Stop. It is intended to be the only goroutine that ever
// mutates Port's fields after construction.
func (p *Port) Run() {
	p.handle(Event{Type: EvPowerUp})
	for ev := range p.events {
		if ev.Type == EvShutdown {
			p.shutdown()
			return
		}
		p.handle(ev)
	}
}

// Stop requests the run loop to exit.
func (p *Port) Stop() { p.Post(Event{Type: EvShutdown}) }

func (p *Port) shutdown() {
	p.timers.Close()
	close(p.done)
	if p.trans != nil {
		_ = p.trans.Close()
	}
}

func (p *Port) setState(to ptp.PortState) {
	if p.state == to {
		return
	}
	p.log.Infof("port state %s -> %s", p.state, to)
	p.state = to
}

// handle is the single dispatch point for every Event; it is the Go
// analogue of spec.md §4.1's transition table, evaluated under the
// implicit "port lock" that this goroutine represents.
func (p *Port) handle(ev Event) {
	switch ev.Type {
	case EvPowerUp:
		p.onPowerUp()
	case EvLinkUp:
		p.onLinkUp()
	case EvLinkDown:
		p.onLinkDown()
	case EvFaultDetected:
		p.setState(ptp.PortStateFaulty)
	case EvAnnounceReceiptTimeout:
		p.onAnnounceReceiptTimeout()
	case EvSyncReceiptTimeout:
		p.counters.RxSyncReceiptTimeouts++
		p.onAnnounceReceiptTimeout() // same remedy: become master absent a qualified announce
	case EvPdelayIntervalTimeout:
		p.pd.onIntervalTimeout()
	case EvPdelayReceiptTimeout, EvPdelayRespReceiptTimeout:
		p.pd.onRespTimeout()
	case EvSyncIntervalTimeout:
		p.onSyncIntervalTimeout()
	case EvAnnounceIntervalTimeout:
		p.onAnnounceIntervalTimeout()
	case EvReceive:
		p.onReceive(ev.Msg, ev.RxTime)
	}
}

func (p *Port) onPowerUp() {
	if p.restored {
		p.onPowerUpRestored()
		return
	}
	p.setState(ptp.PortStateListening)
	p.pd.start()
	p.armAnnounceReceiptTimeout()
	if p.cfg.Automotive.Enabled {
		if p.cfg.Automotive.ForceGrandmaster {
			p.becomeMaster(true)
		} else {
			p.becomeSlave(true)
		}
	}
}

// onPowerUpRestored resumes a restored port_state directly, preserving
// asCapable and the peer-delay/servo history Restore already seeded,
// so a restart doesn't have to recross seqIdAsCapableThresh from zero
// (spec.md §6 scenario 6).
func (p *Port) onPowerUpRestored() {
	restoredState := p.state
	p.pd.startPreserving(p.asCapable)
	switch restoredState {
	case ptp.PortStateMaster:
		p.becomeMaster(true)
	case ptp.PortStateSlave:
		p.becomeSlave(false)
	default:
		p.setState(ptp.PortStateListening)
		p.armAnnounceReceiptTimeout()
	}
}

func (p *Port) onLinkUp() {
	p.setState(ptp.PortStateListening)
	p.asCapable = false
	p.pd.start()
	p.armAnnounceReceiptTimeout()
}

func (p *Port) onLinkDown() {
	p.asCapable = false
	p.timers.CancelType(timerSyncInterval)
	p.timers.CancelType(timerAnnounceInterval)
	p.timers.CancelType(timerSyncReceipt)
	p.timers.CancelType(timerAnnounceReceipt)
	p.pd.stop()
	p.setState(ptp.PortStateDisabled)
}

func (p *Port) onAnnounceReceiptTimeout() {
	p.counters.AnnounceReceiptTimeouts++
	if p.cfg.Automotive.Enabled {
		return // automotive profile: no BMCA-driven state changes
	}
	if p.fms.Best() == nil {
		p.becomeMaster(true)
	}
}

func (p *Port) onSyncIntervalTimeout() {
	if p.state != ptp.PortStateMaster {
		return
	}
	p.transmitSync()
	p.armSyncInterval()
}

func (p *Port) onAnnounceIntervalTimeout() {
	if p.state != ptp.PortStateMaster {
		return
	}
	p.transmitAnnounce()
	p.armAnnounceInterval()
}

// becomeMaster implements spec.md §4.1's becomeMaster(announce): cancel
// sync-receipt timer, start sync-interval timer iff announce, start
// announce-interval timer.
func (p *Port) becomeMaster(announce bool) {
	p.timers.CancelType(timerSyncReceipt)
	p.timers.CancelType(timerAnnounceReceipt)
	p.setState(ptp.PortStateMaster)
	if announce {
		p.armSyncInterval()
	}
	p.armAnnounceInterval()
}

// becomeSlave implements spec.md §4.1's becomeSlave(restart_syntonization):
// cancel announce/sync intervals, arm sync-receipt and
// announce-receipt timeouts at multiplier*2^logInterval seconds.
func (p *Port) becomeSlave(restartSyntonization bool) {
	p.timers.CancelType(timerSyncInterval)
	p.timers.CancelType(timerAnnounceInterval)
	p.setState(ptp.PortStateSlave)
	p.armSyncReceiptTimeout()
	p.armAnnounceReceiptTimeout()
	if restartSyntonization {
		p.servo.RestartSyntonization()
	}
}

func (p *Port) armSyncInterval() {
	p.hSyncInterval = p.timers.AddEvent(logIntervalToDuration(p.syncInterval()), timerSyncInterval, func(any) {
		p.Post(Event{Type: EvSyncIntervalTimeout})
	}, nil, true)
}

func (p *Port) armAnnounceInterval() {
	p.hAnnounceInterval = p.timers.AddEvent(logIntervalToDuration(p.cfg.LogAnnounceInterval), timerAnnounceInterval, func(any) {
		p.Post(Event{Type: EvAnnounceIntervalTimeout})
	}, nil, true)
}

func (p *Port) armSyncReceiptTimeout() {
	if p.hSyncReceipt != 0 {
		p.timers.CancelEvent(timerSyncReceipt, p.hSyncReceipt)
	}
	d := time.Duration(p.cfg.SyncReceiptTimeout) * logIntervalToDuration(p.syncInterval())
	p.hSyncReceipt = p.timers.AddEvent(d, timerSyncReceipt, func(any) {
		p.Post(Event{Type: EvSyncReceiptTimeout})
	}, nil, true)
}

func (p *Port) armAnnounceReceiptTimeout() {
	if p.hAnnounceReceipt != 0 {
		p.timers.CancelEvent(timerAnnounceReceipt, p.hAnnounceReceipt)
	}
	d := time.Duration(p.cfg.AnnounceReceiptTimeout) * logIntervalToDuration(p.cfg.LogAnnounceInterval)
	p.hAnnounceReceipt = p.timers.AddEvent(d, timerAnnounceReceipt, func(any) {
		p.Post(Event{Type: EvAnnounceReceiptTimeout})
	}, nil, true)
}

func (p *Port) syncInterval() ptp.LogInterval {
	if p.cfg.Automotive.Enabled && !p.cfg.Automotive.SwitchToOperationalOnFirstSync {
		return p.cfg.InitialLogSyncInterval
	}
	if p.syncCount > 0 {
		return p.cfg.OperationalLogSyncInterval
	}
	return p.cfg.InitialLogSyncInterval
}

// logIntervalToDuration converts a PTP logMessageInterval (log2 of
// seconds) to a time.Duration. LOG2_INTERVAL_INVALID (-127) disables
// the timer entirely (spec.md §8 boundary behavior) by returning 0,
// which callers must check before arming.
func logIntervalToDuration(li ptp.LogInterval) time.Duration {
	const invalid = ptp.LogInterval(-127)
	if li == invalid {
		return 0
	}
	return time.Duration(math.Pow(2, float64(li)) * float64(time.Second))
}

func (p *Port) onReceive(msg ptp.Packet, rxTime ptp.Timestamp) {
	switch m := msg.(type) {
	case *ptp.SyncDelayReq:
		if m.MessageType() == ptp.MessageSync {
			p.onSync(m, rxTime)
		}
	case *ptp.FollowUp:
		p.onFollowUp(m)
	case *ptp.Announce:
		p.onAnnounce(m)
	case *ptp.PDelayReq:
		p.pd.onPdelayReq(m, rxTime)
	case *ptp.PDelayResp:
		p.pd.onPdelayResp(m, rxTime)
	case *ptp.PDelayRespFollowUp:
		p.pd.onPdelayRespFollowUp(m, rxTime)
	case *ptp.Signaling:
		p.onSignaling(m)
	default:
		p.counters.RxPTPPacketDiscard++
	}
}

func (p *Port) onAnnounce(m *ptp.Announce) {
	p.counters.RxAnnounce++
	if p.cfg.Automotive.Enabled {
		return // automotive: BMCA disabled entirely
	}
	qualified := p.fms.Observe(time.Now(), m)
	if !qualified {
		return
	}
	best := p.fms.Best()
	if best == nil {
		return
	}
	self := bmca.SyntheticAnnounce(
		ptp.PortIdentity{ClockIdentity: p.cfg.ClockIdentity, PortNumber: p.cfg.PortNumber},
		p.cfg.Priority1, p.cfg.Priority2,
		ptp.ClockQuality{ClockClass: 248, ClockAccuracy: 0xfe},
		0,
	)
	switch bmca.Dscmp(best, self) {
	case bmca.ABetter, bmca.ABetterTopo:
		if p.state != ptp.PortStateSlave {
			p.becomeSlave(true)
		}
		p.grandmaster = best
	default:
		if p.state == ptp.PortStateMaster || p.state == ptp.PortStateListening {
			// we remain/become master; starvation timeout path handles
			// the LISTENING->MASTER transition, nothing else to do here
		}
	}
}

func (p *Port) onSignaling(m *ptp.Signaling) {
	for _, tlv := range m.TLVs {
		if req, ok := tlv.(*ptp.IntervalRequestTLV); ok {
			if ptp.IsIntervalRequest(req.OrganizationID, req.OrganizationSubType) {
				p.cfg.OperationalLogSyncInterval = req.TimeSyncInterval
				p.cfg.LogAnnounceInterval = req.AnnounceInterval
				p.pd.cfg.OperationalLogPdelayInterval = req.LinkDelayInterval
			}
		}
	}
}

// onSync records the RX timestamp against the Sync's sequence ID and
// arms/refreshes the sync-receipt timeout (spec.md §4.1 "Sync
// pipeline (slave)").
func (p *Port) onSync(m *ptp.SyncDelayReq, rxTime ptp.Timestamp) {
	p.counters.RxSync++
	p.checkSequence(m.SequenceID)

	if m.FlagField&ptp.FlagTwoStep == 0 {
		// one-step sync: origin timestamp is already precise.
		p.feedServo(m.OriginTimestamp, rxTime, m.CorrectionField)
		return
	}
	p.pendingSync[m.SequenceID] = pendingSync{rxLocal: rxTime, recvTime: time.Now()}
	p.armSyncReceiptTimeout()
}

// onFollowUp matches by sequence ID and feeds the servo, per spec.md
// §4.1: "compute preciseOriginTimestamp + correctionField + peerDelay,
// hand (master_time, local_time) to the servo."
func (p *Port) onFollowUp(m *ptp.FollowUp) {
	p.counters.RxFollowUp++
	pend, ok := p.pendingSync[m.SequenceID]
	if !ok {
		p.counters.RxPTPPacketDiscard++
		return
	}
	delete(p.pendingSync, m.SequenceID)
	p.feedServo(m.PreciseOriginTimestamp, pend.rxLocal, m.CorrectionField)
}

func (p *Port) feedServo(origin ptp.Timestamp, rxLocal ptp.Timestamp, correction ptp.Correction) {
	if correction.Nanoseconds() < 0 && !p.cfg.AllowNegativeCorrField {
		p.log.Warn("rejecting Follow-Up with negative correction field")
		return
	}
	masterNS := ptp.DiffNanos(origin, ptp.Timestamp{}).Int64() + int64(correction.Nanoseconds()) + p.pd.meanLinkDelayNS
	localNS := ptp.DiffNanos(rxLocal, ptp.Timestamp{}).Int64()
	if !p.asCapable {
		return
	}
	cmd := p.servo.Sample(masterNS, uint64(localNS))
	p.masterLocalOffsetNS = cmd.OffsetNS
	if p.cfg.EnableServo {
		if cmd.Step {
			_ = p.hw.Step(time.Duration(-cmd.OffsetNS))
		} else {
			_ = p.hw.SetFrequency(cmd.FrequencyPPB)
		}
	}
	p.syncCount++
	p.publish()
}

// checkSequence implements spec.md §4.1's sequence-ID discipline: a
// non-monotonic sequence ID increments wrongSeqIDCounter; reaching
// SyncReceiptThresh triggers a switch to master absent a qualified
// Announce.
//
// The reference implementation only increments this counter while
// asCapable is true; spec.md §9 flags this as possibly unintentional
// but directs us to preserve it, so we do the same here.
func (p *Port) checkSequence(seq uint16) {
	expected := p.seqSync + 1
	if seq != expected && p.asCapable {
		p.wrongSeqID++
		if p.wrongSeqID >= p.cfg.SyncReceiptThresh && p.fms.Best() == nil {
			p.becomeMaster(true)
		}
	} else {
		p.wrongSeqID = 0
	}
	p.seqSync = seq
}

func (p *Port) transmitSync() {
	p.seqSync++
	origin, err := p.hw.Now()
	if err != nil {
		p.log.WithError(err).Warn("reading hardware clock for sync TX timestamp")
		return
	}
	sync := &ptp.SyncDelayReq{
		Header: p.newHeader(ptp.MessageSync, p.seqSync, true),
		SyncDelayReqBody: ptp.SyncDelayReqBody{
			OriginTimestamp: origin,
		},
	}
	buf, err := ptp.Bytes(sync)
	if err != nil {
		p.log.WithError(err).Warn("marshaling sync")
		return
	}
	txTS, err := p.trans.SendEvent(buf)
	if err != nil {
		p.log.WithError(err).Warn("sending sync")
		return
	}
	p.counters.TxSync++
	p.transmitFollowUp(p.seqSync, txTS)
}

// transmitFollowUp sends the Follow-Up carrying the precise TX
// timestamp of the Sync that was just sent. spec.md §5 requires the TX
// completion timestamp be retrieved before this is sent; trans.SendEvent
// already blocks until that timestamp is available, so ordering holds
// by construction.
func (p *Port) transmitFollowUp(seq uint16, preciseOrigin ptp.Timestamp) {
	fu := &ptp.FollowUp{
		Header: p.newHeader(ptp.MessageFollowUp, seq, false),
		FollowUpBody: ptp.FollowUpBody{
			PreciseOriginTimestamp: preciseOrigin,
		},
	}
	buf, err := ptp.Bytes(fu)
	if err != nil {
		p.log.WithError(err).Warn("marshaling follow-up")
		return
	}
	if err := p.trans.SendGeneral(buf); err != nil {
		p.log.WithError(err).Warn("sending follow-up")
		return
	}
	p.counters.TxFollowUp++
}

func (p *Port) transmitAnnounce() {
	p.seqAnnounce++
	an := &ptp.Announce{
		Header: p.newHeader(ptp.MessageAnnounce, p.seqAnnounce, false),
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1:    p.cfg.Priority1,
			GrandmasterPriority2:    p.cfg.Priority2,
			GrandmasterIdentity:     p.cfg.ClockIdentity,
			GrandmasterClockQuality: ptp.ClockQuality{ClockClass: 248, ClockAccuracy: 0xfe},
		},
	}
	buf, err := ptp.Bytes(an)
	if err != nil {
		p.log.WithError(err).Warn("marshaling announce")
		return
	}
	if err := p.trans.SendGeneral(buf); err != nil {
		p.log.WithError(err).Warn("sending announce")
		return
	}
	p.counters.TxAnnounce++
}

func (p *Port) newHeader(mt ptp.MessageType, seq uint16, twoStep bool) ptp.Header {
	var flags uint16
	if twoStep {
		flags |= ptp.FlagTwoStep
	}
	h := ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(mt, 0),
		Version:            ptp.Version,
		DomainNumber:       p.cfg.Domain,
		FlagField:          flags,
		SourcePortIdentity: ptp.PortIdentity{ClockIdentity: p.cfg.ClockIdentity, PortNumber: p.cfg.PortNumber},
		SequenceID:         seq,
		ControlField:       0,
		LogMessageInterval: p.cfg.LogAnnounceInterval,
	}
	return h
}

func (p *Port) publish() {
	if p.ipc == nil {
		return
	}
	gmID := p.cfg.ClockIdentity
	if p.grandmaster != nil {
		gmID = p.grandmaster.GrandmasterIdentity
	}
	p.ipc.Publish(Snapshot{
		State:               p.state,
		ASCapable:           p.asCapable,
		GrandmasterIdentity: gmID,
		MasterLocalOffsetNS: p.masterLocalOffsetNS,
		MasterLocalFreqPPB:  p.servo.MeanFreq(),
		MeanLinkDelayNS:     p.pd.meanLinkDelayNS,
		SyncCount:           p.syncCount,
		PdelayCount:         p.pd.count,
		Counters:            p.counters,
	})
}

// State returns the port's current PortState (read externally e.g. by
// the status CLI; callers must not assume freshness stronger than "as
// of some recent handle() call").
func (p *Port) State() ptp.PortState { return p.state }

// ASCapable reports the current asCapable flag.
func (p *Port) ASCapable() bool { return p.asCapable }

// MeanLinkDelayNS reports the peer-delay loop's current mean link
// delay estimate (spec.md §6's one_way_delay, persisted by scenario 6).
func (p *Port) MeanLinkDelayNS() int64 { return p.pd.meanLinkDelayNS }

// NeighborRateRatio reports the peer-delay loop's current estimate of
// the peer's clock rate relative to ours (spec.md §6's peer_rate_offset).
func (p *Port) NeighborRateRatio() float64 { return p.pd.neighborRateRatio }

// ServoFreqPPB reports the servo's last commanded frequency in PPB.
func (p *Port) ServoFreqPPB() float64 { return p.servo.MeanFreq() }

// Restore seeds the port from a previously persisted snapshot, before
// Run is called. It implements spec.md §6/§8's
// restore(serialize(s)) == s property and scenario 6: asCapable,
// port_state, mean link delay, and peer rate ratio all survive a
// restart instead of reacquiring from zero. A zero-value State (no
// persistence file yet) leaves the freshly constructed Port untouched.
func (p *Port) Restore(s persist.State) {
	if s.PortState != 0 {
		p.state = s.PortState
		p.restored = true
	}
	p.asCapable = s.ASCapable
	p.pd.meanLinkDelayNS = s.MeanLinkDelayNS
	if s.NeighborRateRatio != 0 {
		p.pd.neighborRateRatio = s.NeighborRateRatio
	}
	if s.ServoFreqPPB != 0 {
		p.servo = servo.NewGPTPServo(s.ServoFreqPPB)
	}
}
