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
	ptp "github.com/Avnu/gptp/protocol"
)

// pdelayCfg is the subset of Config the peer-delay loop reads; kept as
// its own small struct so Signaling-driven interval renegotiation
// (spec.md §4.1 automotive override) can mutate it without touching
// the rest of Port's Config.
type pdelayCfg struct {
	InitialLogPdelayInterval     ptp.LogInterval
	OperationalLogPdelayInterval ptp.LogInterval
	SeqIDAsCapableThresh         int
	LostPdelayRespThresh         int
	NeighborPropDelayThreshNS    int64
}

// PeerDelay runs the continuous peer-delay measurement exchange
// (spec.md §4.2), independent of the port's Master/Slave role. It owns
// asCapable promotion/demotion and the mean link-delay/neighbor
// rate-ratio estimate the servo and sync pipeline consume.
type PeerDelay struct {
	port *Port
	cfg  pdelayCfg

	seq uint16

	running bool

	// pending request state, keyed by sequence ID of the outstanding
	// Pdelay-Req (spec.md only ever has one outstanding at a time).
	haveOutstanding bool
	outSeq          uint16
	t1              ptp.Timestamp // local TX of our Pdelay-Req

	// two-step Pdelay-Resp bookkeeping
	t2 ptp.Timestamp // remote RX of our Pdelay-Req, from Pdelay-Resp
	t3 ptp.Timestamp // remote TX of its Pdelay-Resp, from Pdelay-Resp-Follow-Up

	successCount int
	lostCount    int

	meanLinkDelayNS   int64
	neighborRateRatio float64
	count             uint64

	// backoffShift doubles the pdelay request interval on each lost
	// response, up to maxPdelayBackoffShift, per spec.md §4.2; reset to
	// 0 on the next successful exchange.
	backoffShift int

	// previous two-step exchange's t1/t3, used to estimate
	// neighborRateRatio across successive exchanges (spec.md §4.2).
	havePrevRateSample bool
	prevT1             ptp.Timestamp
	prevT3             ptp.Timestamp
}

// NewPeerDelay constructs the peer-delay loop bound to port p.
func NewPeerDelay(p *Port) *PeerDelay {
	return &PeerDelay{
		port: p,
		cfg: pdelayCfg{
			InitialLogPdelayInterval:     p.cfg.InitialLogPdelayInterval,
			OperationalLogPdelayInterval: p.cfg.OperationalLogPdelayInterval,
			SeqIDAsCapableThresh:         p.cfg.SeqIDAsCapableThresh,
			LostPdelayRespThresh:         p.cfg.LostPdelayRespThresh,
			NeighborPropDelayThreshNS:    p.cfg.NeighborPropDelayThresh.Nanoseconds(),
		},
		neighborRateRatio: 1.0,
	}
}

func (pd *PeerDelay) start() {
	if pd.running {
		return
	}
	pd.running = true
	pd.successCount = 0
	pd.lostCount = 0
	pd.port.asCapable = false
	pd.armInterval()
}

// startPreserving behaves like start but keeps the caller-supplied
// asCapable value instead of resetting it to false, used when resuming
// from a restored persistence snapshot (spec.md §6 scenario 6) so a
// restart doesn't have to recross seqIdAsCapableThresh from zero.
func (pd *PeerDelay) startPreserving(asCapable bool) {
	if pd.running {
		return
	}
	pd.running = true
	pd.successCount = 0
	pd.lostCount = 0
	pd.port.asCapable = asCapable
	pd.armInterval()
}

func (pd *PeerDelay) stop() {
	pd.running = false
	pd.port.timers.CancelType(timerPdelayInterval)
	pd.port.timers.CancelType(timerPdelayReceipt)
	pd.port.timers.CancelType(timerPdelayRespReceipt)
}

// maxPdelayBackoffShift bounds the lost-response backoff to 2^6 = 64x
// the nominal interval.
const maxPdelayBackoffShift = 6

func (pd *PeerDelay) interval() ptp.LogInterval {
	base := pd.cfg.InitialLogPdelayInterval
	if pd.successCount > 0 {
		base = pd.cfg.OperationalLogPdelayInterval
	}
	return base + ptp.LogInterval(pd.backoffShift)
}

func (pd *PeerDelay) armInterval() {
	pd.port.timers.AddEvent(logIntervalToDuration(pd.interval()), timerPdelayInterval, func(any) {
		pd.port.Post(Event{Type: EvPdelayIntervalTimeout})
	}, nil, true)
}

// onIntervalTimeout transmits a new Pdelay-Req and arms the
// response-receipt timeout (spec.md §4.2: "one outstanding request at
// a time; failure to receive both responses within the timeout demotes
// asCapable after lostResponses consecutive failures").
func (pd *PeerDelay) onIntervalTimeout() {
	if !pd.running {
		return
	}
	if pd.haveOutstanding {
		pd.onRespTimeout()
	}
	// Interval timers fire once; re-arm at the current (possibly backed
	// off) interval, replacing any second timer finish may have armed.
	pd.port.timers.CancelType(timerPdelayInterval)
	pd.armInterval()
	pd.seq++
	origin, err := pd.port.hw.Now()
	if err != nil {
		pd.port.log.WithError(err).Warn("reading hardware clock for pdelay-req TX")
		return
	}
	req := &ptp.PDelayReq{
		Header: pd.port.newHeader(ptp.MessagePDelayReq, pd.seq, false),
		PDelayReqBody: ptp.PDelayReqBody{
			OriginTimestamp: origin,
		},
	}
	buf, err := ptp.Bytes(req)
	if err != nil {
		pd.port.log.WithError(err).Warn("marshaling pdelay-req")
		return
	}
	txTS, err := pd.port.trans.SendEvent(buf)
	if err != nil {
		pd.port.log.WithError(err).Warn("sending pdelay-req")
		return
	}
	pd.port.counters.TxPdelayRequest++
	pd.haveOutstanding = true
	pd.outSeq = pd.seq
	pd.t1 = txTS
	pd.armRespReceiptTimeout()
}

func (pd *PeerDelay) armRespReceiptTimeout() {
	pd.port.timers.AddEvent(logIntervalToDuration(pd.interval()), timerPdelayRespReceipt, func(any) {
		pd.port.Post(Event{Type: EvPdelayRespReceiptTimeout})
	}, nil, true)
}

// onRespTimeout implements the asCapable demotion side of spec.md
// §4.2: lostPdelayRespThresh consecutive unanswered requests demotes
// asCapable and resets the qualification counter.
func (pd *PeerDelay) onRespTimeout() {
	if !pd.haveOutstanding {
		return
	}
	pd.haveOutstanding = false
	pd.lostCount++
	pd.port.counters.PdelayAllowedLostResponsesExceeded++
	if pd.backoffShift < maxPdelayBackoffShift {
		pd.backoffShift++
	}
	if pd.lostCount >= pd.cfg.LostPdelayRespThresh {
		if pd.port.asCapable {
			pd.port.log.Warn("demoting asCapable: peer-delay responses lost")
		}
		pd.port.asCapable = false
		pd.successCount = 0
	}
}

// onPdelayReq answers a peer's request (spec.md §4.2's responder
// side): records RX locally and emits Pdelay-Resp / Pdelay-Resp-
// Follow-Up carrying a precise TX timestamp.
func (pd *PeerDelay) onPdelayReq(m *ptp.PDelayReq, rx ptp.Timestamp) {
	pd.port.counters.RxPdelayRequest++
	resp := &ptp.PDelayResp{
		Header: pd.port.newHeader(ptp.MessagePDelayResp, m.SequenceID, true),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestReceiptTimestamp: rx,
			RequestingPortIdentity:  m.SourcePortIdentity,
		},
	}
	buf, err := ptp.Bytes(resp)
	if err != nil {
		pd.port.log.WithError(err).Warn("marshaling pdelay-resp")
		return
	}
	txTS, err := pd.port.trans.SendEvent(buf)
	if err != nil {
		pd.port.log.WithError(err).Warn("sending pdelay-resp")
		return
	}
	pd.port.counters.TxPdelayResponse++

	fu := &ptp.PDelayRespFollowUp{
		Header: pd.port.newHeader(ptp.MessagePDelayRespFollowUp, m.SequenceID, false),
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: txTS,
			RequestingPortIdentity:  m.SourcePortIdentity,
		},
	}
	fuBuf, err := ptp.Bytes(fu)
	if err != nil {
		pd.port.log.WithError(err).Warn("marshaling pdelay-resp-follow-up")
		return
	}
	if err := pd.port.trans.SendGeneral(fuBuf); err != nil {
		pd.port.log.WithError(err).Warn("sending pdelay-resp-follow-up")
		return
	}
	pd.port.counters.TxPdelayResponseFollowUp++
}

// onPdelayResp records t2 (the peer's RX timestamp of our request) and
// either completes the 4-timestamp exchange immediately (one-step peer)
// or waits for the matching Follow-Up.
func (pd *PeerDelay) onPdelayResp(m *ptp.PDelayResp, rxTime ptp.Timestamp) {
	pd.port.counters.RxPdelayResponse++
	if !pd.haveOutstanding || m.SequenceID != pd.outSeq {
		pd.port.counters.RxPTPPacketDiscard++
		return
	}
	pd.t2 = m.RequestReceiptTimestamp
	if m.FlagField&ptp.FlagTwoStep == 0 {
		// one-step: the Pdelay-Resp's correction field already carries
		// the turnaround time, t3 is this message's (unavailable) TX
		// time, so fold the correction into t2 directly and finish.
		// There is no genuine peer TX timestamp here, so the rate-ratio
		// estimate (which needs a real t3) is left untouched.
		pd.finish(m.RequestReceiptTimestamp, m.RequestReceiptTimestamp, rxTime, m.CorrectionField)
	}
}

// onPdelayRespFollowUp completes a two-step exchange: t3 is the peer's
// precise TX timestamp of its Pdelay-Resp.
func (pd *PeerDelay) onPdelayRespFollowUp(m *ptp.PDelayRespFollowUp, rxTime ptp.Timestamp) {
	pd.port.counters.RxPdelayResponseFollowUp++
	if !pd.haveOutstanding || m.SequenceID != pd.outSeq {
		pd.port.counters.RxPTPPacketDiscard++
		return
	}
	// m.ResponseOriginTimestamp is the peer's genuine t3; estimate the
	// rate ratio across this and the previous exchange before it feeds
	// into finish's mean-delay computation (spec.md §4.2).
	pd.updateRateRatio(pd.t1, m.ResponseOriginTimestamp)
	pd.finish(pd.t2, m.ResponseOriginTimestamp, rxTime, m.CorrectionField)
}

// updateRateRatio implements IEEE 802.1AS-2011 11.2.19.3.3's
// computeNeighborRateRatio: the ratio of successive peer-side (t3)
// intervals to successive local-side (t1) intervals between two-step
// Pdelay exchanges estimates how fast the peer's clock runs relative to
// ours, independent of any mean link delay.
func (pd *PeerDelay) updateRateRatio(t1, t3 ptp.Timestamp) {
	if pd.havePrevRateSample {
		dt1 := ptp.DiffNanos(t1, pd.prevT1).Int64()
		dt3 := ptp.DiffNanos(t3, pd.prevT3).Int64()
		if dt1 != 0 {
			pd.neighborRateRatio = float64(dt3) / float64(dt1)
		}
	}
	pd.prevT1 = t1
	pd.prevT3 = t3
	pd.havePrevRateSample = true
}

// finish computes mean link delay per IEEE 1588 §11.4's peer-delay
// formula, extended by IEEE 802.1AS-2011 11.2.15.1's rate-ratio term:
// meanLinkDelay = ((t4-t1) - neighborRateRatio*(t3-t2)) / 2, where t4 is
// netio's hardware RX timestamp of the response/follow-up we just
// processed (captured at frame arrival, not re-read here, so queueing
// delay between capture and dispatch doesn't leak into the estimate)
// and t1 is our recorded Pdelay-Req TX timestamp.
func (pd *PeerDelay) finish(respRx, respOriginTS, t4 ptp.Timestamp, correction ptp.Correction) {
	pd.haveOutstanding = false

	turnaround := ptp.DiffNanos(respOriginTS, respRx).Int64()
	reqTurnaround := int64(float64(turnaround)*pd.neighborRateRatio) + int64(correction.Nanoseconds())
	roundTrip := ptp.DiffNanos(t4, pd.t1).Int64()

	meanDelay := (roundTrip - reqTurnaround) / 2
	if meanDelay < 0 {
		// negative computed delay is a known boundary case (spec.md §8);
		// discard the sample rather than corrupt the running estimate.
		pd.lostCount++
		return
	}

	pd.meanLinkDelayNS = meanDelay
	pd.lostCount = 0
	pd.backoffShift = 0
	pd.successCount++
	pd.count++

	if pd.meanLinkDelayNS <= pd.cfg.NeighborPropDelayThreshNS {
		if pd.successCount >= pd.cfg.SeqIDAsCapableThresh && !pd.port.asCapable {
			pd.port.asCapable = true
			pd.port.log.Info("asCapable: link qualified via peer-delay")
		}
	} else {
		pd.port.asCapable = false
		pd.port.log.WithField("meanLinkDelayNS", pd.meanLinkDelayNS).Warn("neighbor propagation delay exceeds threshold")
	}

	if pd.successCount == 1 {
		pd.armInterval() // switch from initial to operational interval
	}
}
