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

package protocol

import "math/big"

// nanosPerSecond is the scale factor between the Timestamp's
// seconds and nanoseconds fields.
const nanosPerSecond = 1_000_000_000

// bigNanos promotes a Timestamp to a signed, arbitrary-precision count
// of nanoseconds since the epoch. spec.md §3 requires signed
// timestamp arithmetic to be done "by promoting to 128-bit"; we use
// math/big here so the property holds exactly regardless of how close
// the 48-bit seconds field is to overflow, rather than relying on
// int64 nanoseconds silently wrapping around the year 2262.
func bigNanos(t Timestamp) *big.Int {
	secs := new(big.Int).SetUint64(t.Seconds.Seconds())
	secs.Mul(secs, big.NewInt(nanosPerSecond))
	return secs.Add(secs, big.NewInt(int64(t.Nanoseconds)))
}

// fromBigNanos converts a signed nanosecond count back into a
// Timestamp. Negative inputs are rejected with an error; Timestamp
// itself (per spec.md) only represents non-negative instants, so
// intermediate negative results must be resolved (e.g. by adding them
// to another positive Timestamp) before converting back.
func fromBigNanos(ns *big.Int) (Timestamp, error) {
	if ns.Sign() < 0 {
		return Timestamp{}, errNegativeTimestamp
	}
	secBig, nsBig := new(big.Int), new(big.Int)
	secBig.DivMod(ns, big.NewInt(nanosPerSecond), nsBig)
	if !secBig.IsUint64() {
		return Timestamp{}, errTimestampOverflow
	}
	return Timestamp{
		Seconds:     NewPTPSecondsFromUint64(secBig.Uint64()),
		Nanoseconds: uint32(nsBig.Uint64()),
	}, nil
}

var (
	errNegativeTimestamp = errTimestampf("timestamp arithmetic produced a negative instant")
	errTimestampOverflow = errTimestampf("timestamp exceeds 48-bit seconds field")
)

type timestampError string

func (e timestampError) Error() string { return string(e) }

func errTimestampf(msg string) error { return timestampError(msg) }

// DiffNanos returns a-b as a signed count of nanoseconds, promoted to
// arbitrary precision so the subtraction never overflows regardless of
// how far apart a and b are (spec.md §3, §8 "Correction field at its
// max/min ... does not overflow intermediate arithmetic").
func DiffNanos(a, b Timestamp) *big.Int {
	return new(big.Int).Sub(bigNanos(a), bigNanos(b))
}

// AddDuration returns t advanced (or, if negative, retarded) by delta
// nanoseconds. It errors if the result would be negative or would not
// fit in the 48-bit seconds field.
func AddDuration(t Timestamp, deltaNS int64) (Timestamp, error) {
	sum := new(big.Int).Add(bigNanos(t), big.NewInt(deltaNS))
	return fromBigNanos(sum)
}

// AddPHYDelay adjusts a timestamp by a fixed physical-layer latency,
// expressed in nanoseconds, per spec.md §3's "PHY delay adjustment".
// A positive delay represents time the frame genuinely spent in the
// PHY before/after the point the hardware timestamped it.
func AddPHYDelay(t Timestamp, phyDelayNS int64) (Timestamp, error) {
	return AddDuration(t, phyDelayNS)
}

// NewPTPSecondsFromUint64 builds a PTPSeconds (uint48) value from a
// plain uint64, matching the encoding NewPTPSeconds uses for time.Time.
func NewPTPSecondsFromUint64(v uint64) PTPSeconds {
	var s PTPSeconds
	s[0] = byte(v >> 40)
	s[1] = byte(v >> 32)
	s[2] = byte(v >> 24)
	s[3] = byte(v >> 16)
	s[4] = byte(v >> 8)
	s[5] = byte(v)
	return s
}
