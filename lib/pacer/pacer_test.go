package pacer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecay(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in   State
		k    uint
		want time.Duration
	}{
		{State{SleepTime: 8 * time.Millisecond}, 1, 4 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond}, 0, 1 * time.Microsecond},
		{State{SleepTime: 1 * time.Millisecond}, 2, (3 * time.Millisecond) / 4},
		{State{SleepTime: 1 * time.Millisecond}, 3, (7 * time.Millisecond) / 8},
	} {
		c.decayConstant = test.k
		assert.Equal(t, test.want, c.Calculate(test.in))
	}
}

func TestAttack(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Microsecond), MaxSleep(1*time.Second))
	for _, test := range []struct {
		in   State
		k    uint
		want time.Duration
	}{
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 1, 2 * time.Millisecond},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 0, 1 * time.Second},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 2, (4 * time.Millisecond) / 3},
		{State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1}, 3, (8 * time.Millisecond) / 7},
	} {
		c.attackConstant = test.k
		assert.Equal(t, test.want, c.Calculate(test.in))
	}
}

func TestCallRetriesThenSucceeds(t *testing.T) {
	p := New(RetriesOption(5), CalculatorOption(NewDefault(MinSleep(time.Microsecond), MaxSleep(time.Millisecond))))
	tries := 0
	err := p.Call(func() (bool, error) {
		tries++
		if tries < 3 {
			return true, errors.New("transient")
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tries)
}

func TestCallGivesUpAfterRetries(t *testing.T) {
	p := New(RetriesOption(2), CalculatorOption(NewDefault(MinSleep(time.Microsecond), MaxSleep(time.Millisecond))))
	tries := 0
	err := p.Call(func() (bool, error) {
		tries++
		return true, errors.New("persistent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, tries) // initial + 2 retries
}

func TestTokenDispenser(t *testing.T) {
	td := NewTokenDispenser(2)
	td.Get()
	td.Get()
	done := make(chan struct{})
	go func() {
		td.Get() // blocks until Put below
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("should have blocked with no free tokens")
	case <-time.After(10 * time.Millisecond):
	}
	td.Put()
	<-done
}

func TestTokenDispenserUnlimited(t *testing.T) {
	td := NewTokenDispenser(0)
	td.Get()
	td.Get()
	td.Put()
}
