package ftp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveGrantedUpToUnbounded(t *testing.T) {
	p := NewPool(0, 0, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, reserveGranted, p.Reserve())
	}
	n, m, busy, idle := p.Stats()
	assert.Equal(t, 5, n)
	assert.Equal(t, unboundedCapacity, m)
	assert.Equal(t, 0, busy)
	assert.Equal(t, 0, idle)
}

func TestUnreserveAndLowerCapacityLearnsM(t *testing.T) {
	p := NewPool(0, 0, nil)
	assert.Equal(t, reserveGranted, p.Reserve())
	assert.Equal(t, reserveGranted, p.Reserve())
	assert.Equal(t, reserveGranted, p.Reserve())

	newM := p.UnreserveAndLowerCapacity()
	assert.Equal(t, 2, newM)

	n, m, _, _ := p.Stats()
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m)

	// M never increases even if a later call observes a smaller n.
	assert.Equal(t, reserveGranted, p.Reserve())
	newM = p.UnreserveAndLowerCapacity()
	assert.Equal(t, 2, newM)
}

func TestReserveAtCapacityWithIdleConnection(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	p.Reserve()
	p.UnreserveAndLowerCapacity() // n=1, m=1: capacity learned at 1
	// n(1) == m(1), busy(0) < n(1): at capacity but not all busy.
	assert.Equal(t, reserveAtCapacity, p.Reserve())
}

func TestReserveBusyNowWhenAllDonated(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	p.UnreserveAndLowerCapacity() // n=0, m=0
	assert.Equal(t, reserveBusyNow, p.Reserve())
}

func TestTakeBusyWakesWaitersAtSaturation(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	conn := &Connection{}
	conn.usable.Store(true)
	p.AddIdle(conn)
	p.TryPopIdle()

	done := make(chan error, 1)
	go func() { done <- p.WaitForSlot(context.Background(), time.Time{}) }()
	time.Sleep(10 * time.Millisecond)

	p.TakeBusy() // busy(1) >= n(1): every connection now donated

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("TakeBusy at saturation did not wake waiters")
	}
}

func TestAddIdleAndTryPopIdle(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	conn := &Connection{}
	conn.usable.Store(true)
	p.AddIdle(conn)

	got, ok := p.TryPopIdle()
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = p.TryPopIdle()
	assert.False(t, ok)
}

func TestWaitForSlotWakesOnAddIdle(t *testing.T) {
	p := NewPool(0, 0, nil)
	done := make(chan error, 1)
	go func() {
		done <- p.WaitForSlot(context.Background(), time.Time{})
	}()

	time.Sleep(10 * time.Millisecond)
	conn := &Connection{}
	conn.usable.Store(true)
	p.AddIdle(conn)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForSlot did not wake on AddIdle")
	}
}

func TestWaitForSlotTimesOutBusy(t *testing.T) {
	p := NewPool(20*time.Millisecond, 0, nil)
	err := p.WaitForSlot(context.Background(), time.Now().Add(20*time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBusy))
}

func TestWaitForSlotCancelled(t *testing.T) {
	p := NewPool(0, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.WaitForSlot(ctx, time.Time{})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCancelled))
}

func TestTakeBusyAndGiveBack(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	p.TakeBusy()
	_, m, busy, _ := p.Stats()
	assert.Equal(t, 1, busy)
	_ = m
	p.GiveBack()
	_, _, busy, _ = p.Stats()
	assert.Equal(t, 0, busy)
}

func TestShutdownClosesIdleAndMarksDraining(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	conn := &Connection{}
	conn.usable.Store(true)
	p.AddIdle(conn)

	p.Shutdown()
	n, _, _, idle := p.Stats()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, idle)

	conn2 := &Connection{}
	conn2.usable.Store(true)
	p.AddIdle(conn2) // should close immediately rather than queue, since shuttingDown
	_, ok := p.TryPopIdle()
	assert.False(t, ok)
}

func TestDiscardDecrementsN(t *testing.T) {
	p := NewPool(0, 0, nil)
	p.Reserve()
	p.Reserve()
	p.Discard()
	n, _, _, _ := p.Stats()
	assert.Equal(t, 1, n)
}
