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

package bmca

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ptp "github.com/Avnu/gptp/protocol"
)

func announce(gmID ptp.ClockIdentity, prio1 uint8, class ptp.ClockClass, stepsRemoved uint16, sender ptp.ClockIdentity) *ptp.Announce {
	return &ptp.Announce{
		Header: ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: sender, PortNumber: 1}},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterIdentity:     gmID,
			GrandmasterPriority1:    prio1,
			GrandmasterClockQuality: ptp.ClockQuality{ClockClass: class},
			StepsRemoved:            stepsRemoved,
		},
	}
}

func TestDscmpPriority1Wins(t *testing.T) {
	a := announce(1, 128, 6, 0, 10)
	b := announce(2, 200, 6, 0, 11)
	require.Equal(t, ABetter, Dscmp(a, b))
	require.Equal(t, BBetter, Dscmp(b, a))
}

func TestDscmpSameGrandmasterFallsBackToTopology(t *testing.T) {
	a := announce(1, 128, 6, 1, 10)
	b := announce(1, 128, 6, 0, 11)
	require.Equal(t, BBetter, Dscmp(a, b))
}

func TestDscmp2TopologyTiebreak(t *testing.T) {
	a := announce(1, 128, 6, 1, 10)
	b := announce(1, 128, 6, 1, 11)
	require.Equal(t, ABetterTopo, Dscmp2(a, b))
}

func TestDscmpIdenticalIsUnknown(t *testing.T) {
	a := announce(1, 128, 6, 0, 10)
	require.Equal(t, Unknown, Dscmp(a, a))
}

func TestForeignMasterSetQualifiesAfterTwoMessages(t *testing.T) {
	set := NewForeignMasterSet(2 * time.Second)
	now := time.Now()
	a := announce(1, 128, 6, 0, 10)

	require.False(t, set.Observe(now, a))
	require.True(t, set.Observe(now.Add(time.Second), a))
	require.NotNil(t, set.Best())
}

func TestForeignMasterSetPrunesOldMessages(t *testing.T) {
	set := NewForeignMasterSet(time.Second)
	now := time.Now()
	a := announce(1, 128, 6, 0, 10)

	set.Observe(now, a)
	// second message arrives after the announce window: record resets
	qualified := set.Observe(now.Add(5*time.Second), a)
	require.False(t, qualified)
	require.Nil(t, set.Best())
}

func TestForeignMasterSetBestAmongMultipleSenders(t *testing.T) {
	set := NewForeignMasterSet(2 * time.Second)
	now := time.Now()
	good := announce(1, 10, 6, 0, 10)
	bad := announce(2, 200, 6, 0, 11)

	set.Observe(now, good)
	set.Observe(now.Add(time.Millisecond), good)
	set.Observe(now, bad)
	set.Observe(now.Add(time.Millisecond), bad)

	best := set.Best()
	require.NotNil(t, best)
	require.Equal(t, ptp.ClockIdentity(1), best.GrandmasterIdentity)
}

func TestForeignMasterSetExpire(t *testing.T) {
	set := NewForeignMasterSet(2 * time.Second)
	now := time.Now()
	a := announce(1, 128, 6, 0, 10)
	set.Observe(now, a)
	set.Observe(now.Add(time.Millisecond), a)
	require.NotNil(t, set.Best())

	set.Expire(10)
	require.Nil(t, set.Best())
}
