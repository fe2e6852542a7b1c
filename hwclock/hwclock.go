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

// Package hwclock adapts a Linux PTP Hardware Clock (PHC) device to the
// port.HWClock interface the state machine consumes for timestamping
// and frequency/phase adjustment. Clock.Now reports device time only;
// no system time or nominal rate is read alongside it.
package hwclock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Avnu/gptp/clock"
	ptp "github.com/Avnu/gptp/protocol"
)

// Clock reads and steers a PHC identified by its clock_gettime/
// clock_adjtime clock ID. The CLOCK_ADJTIME plumbing itself lives in
// package clock (Adjtime/AdjFreqPPB/Step); Clock only adds the PHC
// file-descriptor-to-clock-ID conversion and the PHY delay bookkeeping
// spec.md §9 open question #3 requires.
type Clock struct {
	clockID    int32
	maxFreqPPB float64
	phyDelayTx int64
	phyDelayRx int64
}

// New opens device's PHC and returns a Clock bound to it. maxFreqPPB
// bounds AdjFreq requests (spec.md §4.3's servo clamp is applied
// upstream in package servo; this is a fixed ceiling supplied by the
// caller, not read from the device).
func New(device string, maxFreqPPB float64, phyDelayTxNS, phyDelayRxNS int64) (*Clock, error) {
	f, err := unix.Open(device, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %s: %w", device, err)
	}
	clockID := int32((int(^uintptr(f)) << 3) | 3) // FD_TO_CLOCKID, see phc.Device.ClockID
	return &Clock{clockID: clockID, maxFreqPPB: maxFreqPPB, phyDelayTx: phyDelayTxNS, phyDelayRx: phyDelayRxNS}, nil
}

// Now returns the current device time as a wire Timestamp, adjusted
// for this port's ingress PHY delay (spec.md §9 open question #3).
func (c *Clock) Now() (ptp.Timestamp, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.clockID, &ts); err != nil {
		return ptp.Timestamp{}, fmt.Errorf("clock_gettime on PHC: %w", err)
	}
	raw := ptp.Timestamp{
		Seconds:     ptp.NewPTPSecondsFromUint64(uint64(ts.Sec)),
		Nanoseconds: uint32(ts.Nsec),
	}
	return ptp.AddPHYDelay(raw, c.phyDelayRx)
}

// SetFrequency steers the PHC's oscillator frequency by freqPPB parts
// per billion via CLOCK_ADJTIME, matching clock.AdjFreqPPB's unix.Timex
// plumbing (PPBToTimexPPM converts ppb to the kernel's 16-bit-fraction
// ppm units).
func (c *Clock) SetFrequency(freqPPB float64) error {
	if freqPPB > c.maxFreqPPB {
		freqPPB = c.maxFreqPPB
	} else if freqPPB < -c.maxFreqPPB {
		freqPPB = -c.maxFreqPPB
	}
	if _, err := clock.AdjFreqPPB(c.clockID, freqPPB); err != nil {
		return fmt.Errorf("clock_adjtime ADJ_FREQUENCY: %w", err)
	}
	return nil
}

// Step jumps the PHC by d immediately, used for the servo's StateJump
// response to large offsets (spec.md §4.3).
func (c *Clock) Step(d time.Duration) error {
	if _, err := clock.Step(c.clockID, d); err != nil {
		return fmt.Errorf("clock_adjtime ADJ_SETOFFSET: %w", err)
	}
	return nil
}

// AdjustTx returns raw advanced by this port's egress (TX) PHY delay.
// It does not read the device; raw is a TX timestamp obtained elsewhere.
func (c *Clock) AdjustTx(raw ptp.Timestamp) (ptp.Timestamp, error) {
	return ptp.AddPHYDelay(raw, c.phyDelayTx)
}
