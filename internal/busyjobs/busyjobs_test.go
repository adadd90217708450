// SPDX-License-Identifier: BSD-3-Clause

package busyjobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetAddRemoveContains(t *testing.T) {
	s := NewSet()
	require.False(t, s.Contains(42))
	s.Add(42)
	require.True(t, s.Contains(42))
	require.Equal(t, 1, s.Len())
	s.Remove(42)
	require.False(t, s.Contains(42))
	require.Equal(t, 0, s.Len())
}

func TestEpochsBumpWakesWaiter(t *testing.T) {
	var published []Kind
	e := NewEpochs(func(kind Kind, epoch uint64) {
		published = append(published, kind)
	})

	since := e.Current(KindJobs)
	woke := make(chan uint64, 1)
	go func() {
		woke <- e.Wait(context.Background(), KindJobs, since, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	got := e.Bump(KindJobs)
	require.Equal(t, uint64(1), got)

	select {
	case v := <-woke:
		require.Equal(t, uint64(1), v)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Bump")
	}
	require.Equal(t, []Kind{KindJobs}, published)
}

func TestEpochsWaitTimesOutWithoutBump(t *testing.T) {
	e := NewEpochs(nil)
	since := e.Current(KindMachine)
	v := e.Wait(context.Background(), KindMachine, since, 50*time.Millisecond)
	require.Equal(t, since, v)
}

func TestEpochsWaitRespectsContextCancellation(t *testing.T) {
	e := NewEpochs(nil)
	ctx, cancel := context.WithCancel(context.Background())
	since := e.Current(KindBlacklist)

	done := make(chan uint64, 1)
	go func() { done <- e.Wait(ctx, KindBlacklist, since, 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case v := <-done:
		require.Equal(t, since, v)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}
