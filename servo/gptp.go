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

package servo

import "time"

// freqRatioEpsilon bounds the commanded master/local frequency ratio to
// [1-2^-10, 1+2^-10]. Sample clamps the PI filter's output to this
// range; samples are not rejected, and out-of-range inputs still reach
// the PI filter.
const freqRatioEpsilon = 1.0 / 1024

// StepThresholdDefault is the default phase-step threshold (spec.md
// §4.3: "typically 1ms"); offsets larger than this bypass rate
// correction and step the clock directly.
const StepThresholdDefault = int64(time.Millisecond)

// Command is what the servo asks the hardware clock to do after
// processing one (master_time, local_time) sample.
type Command struct {
	// Step, if true, means the caller must set the clock's phase
	// directly to -OffsetNS (an immediate correction) rather than
	// adjust its rate.
	Step bool
	// OffsetNS is the observed phase offset in nanoseconds
	// (master_time - local_time).
	OffsetNS int64
	// FrequencyPPB is the commanded rate adjustment in parts per
	// billion: (ratio-1)*1e9, already bounds-checked against
	// freqRatioEpsilon.
	FrequencyPPB float64
	State        State
}

// GPTPServo wraps a PiServo with the phase-offset/frequency-ratio
// bookkeeping of spec.md §4.3: the commanded frequency ratio is clamped
// to [1-2^-10, 1+2^-10], and the syntonization state can be restarted
// for becomeSlave(restart_syntonization=true). No PiServoFilter is
// attached, so the frequency is not smoothed over past samples.
type GPTPServo struct {
	pi            *PiServo
	lastLocalTime uint64
	lastMasterNS  int64
	haveLast      bool
}

// NewGPTPServo builds a servo using the teacher's default PI
// configuration, tuned to the given initial frequency adjustment.
func NewGPTPServo(initialFreqPPB float64) *GPTPServo {
	base := DefaultServoConfig()
	base.StepThreshold = StepThresholdDefault
	pi := NewPiServo(base, DefaultPiServoCfg(), initialFreqPPB)
	pi.SetMaxFreq(freqRatioEpsilon * 1e9)
	return &GPTPServo{pi: pi}
}

// Sample feeds one (master_time, local_time) pair, in nanoseconds
// since an arbitrary common epoch, through the PI filter and returns
// the resulting Command. masterNS and localNS follow spec.md §4.3:
// phase offset = master_time - local_time.
func (g *GPTPServo) Sample(masterNS int64, localNS uint64) Command {
	offset := masterNS - int64(localNS)
	freqPPB, state := g.pi.Sample(offset, localNS)

	ratio := 1 + freqPPB/1e9
	if ratio < 1-freqRatioEpsilon {
		ratio = 1 - freqRatioEpsilon
		freqPPB = (ratio - 1) * 1e9
	} else if ratio > 1+freqRatioEpsilon {
		ratio = 1 + freqRatioEpsilon
		freqPPB = (ratio - 1) * 1e9
	}

	g.lastMasterNS = masterNS
	g.lastLocalTime = localNS
	g.haveLast = true

	return Command{
		Step:         state == StateJump,
		OffsetNS:     offset,
		FrequencyPPB: freqPPB,
		State:        state,
	}
}

// RestartSyntonization returns the PI servo to its first-sample state
// (PiServo.Unlock), so acquisition starts again from the next sample;
// the last commanded frequency is kept as the starting point.
func (g *GPTPServo) RestartSyntonization() {
	g.pi.Unlock()
	g.haveLast = false
}

// MeanFreq returns the servo's last commanded frequency in PPB (with no
// filter attached, PiServo.MeanFreq is not an average).
func (g *GPTPServo) MeanFreq() float64 { return g.pi.MeanFreq() }
