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

package ipc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gptp_shm_test")
	shm, err := OpenShm(path, 0644)
	require.NoError(t, err)
	defer shm.Close()

	d := TimeData{
		MasterLocalOffsetNS:  12345,
		MasterLocalFreqRatio: 1.0000001,
		LocalSystemOffsetNS:  -42,
		LocalSystemFreqRatio: 0.9999998,
		LocalTimeNS:          1700000000000000000,
		GrandmasterID:        0xAABBCCDDEEFF0011,
		Priority1:            128,
		ClockClass:           248,
		ClockAccuracy:        0xfe,
		Priority2:            128,
		DomainNumber:         0,
		LogSyncInterval:      -3,
		LogAnnounceInterval:  1,
		LogPdelayInterval:    0,
		PortNumber:           1,
		SyncCount:            99,
		PdelayCount:          50,
		ASCapable:            true,
		ProcessID:            4242,
	}
	shm.Store(d)
	got := shm.Load()
	require.Equal(t, d, got)
}

func TestStoreLoadZeroValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gptp_shm_test_zero")
	shm, err := OpenShm(path, 0644)
	require.NoError(t, err)
	defer shm.Close()

	got := shm.Load()
	require.Equal(t, TimeData{}, got)
}
