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

package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	typePdelay Type = iota
	typeSync
	typeAnnounce
)

func TestAddEventFires(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var mu sync.Mutex
	fired := false
	q.AddEvent(10*time.Millisecond, typeSync, func(arg any) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, nil, true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired
	}, time.Second, time.Millisecond)
}

func TestCancelEventPreventsFiring(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var mu sync.Mutex
	fired := false
	h := q.AddEvent(50*time.Millisecond, typeSync, func(arg any) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, nil, true)

	require.True(t, q.CancelEvent(typeSync, h))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired)
}

func TestCancelTypeRemovesAllOfSameType(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		q.AddEvent(50*time.Millisecond, typePdelay, func(arg any) {
			mu.Lock()
			count++
			mu.Unlock()
		}, nil, true)
	}
	// a different type must be unaffected by cancelling typePdelay
	q.AddEvent(50*time.Millisecond, typeAnnounce, func(arg any) {
		mu.Lock()
		count += 100
		mu.Unlock()
	}, nil, true)

	removed := q.CancelType(typePdelay)
	require.Equal(t, 3, removed)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 100, count)
}

func TestAddEventPassesArg(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	done := make(chan any, 1)
	q.AddEvent(5*time.Millisecond, typeSync, func(arg any) {
		done <- arg
	}, "payload", true)

	select {
	case got := <-done:
		require.Equal(t, "payload", got)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestNonAutoDeleteEventStaysRegisteredUntilCancelled(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	fired := make(chan struct{}, 1)
	h := q.AddEvent(5*time.Millisecond, typeSync, func(arg any) {
		fired <- struct{}{}
	}, nil, false)

	<-fired
	// still registered: cancelling it should succeed
	require.True(t, q.CancelEvent(typeSync, h))
}
