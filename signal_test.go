//go:build linux

package aqlqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimSignalStoreAndWait(t *testing.T) {
	s := NewSimSignal(0)

	done := make(chan int64, 1)
	go func() {
		done <- s.Wait(CondEqual, 5)
	}()

	time.Sleep(10 * time.Millisecond)
	s.StoreRelease(5)

	select {
	case v := <-done:
		require.Equal(t, int64(5), v)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned")
	}
}

func TestSimSignalAsyncHandlerFiresOnce(t *testing.T) {
	s := NewSimSignal(0)
	calls := make(chan int64, 4)

	s.SetAsyncSignalHandler(CondNotEqual, 0, func(value int64, arg any) HandlerResult {
		calls <- value
		return HandlerUnarmed
	}, nil)

	s.StoreRelease(1)

	select {
	case v := <-calls:
		require.Equal(t, int64(1), v)
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}

	// A second store must not invoke the (unarmed) handler again.
	s.StoreRelease(2)
	select {
	case <-calls:
		t.Fatal("handler fired a second time after being single-shot")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConditionSatisfiedBy(t *testing.T) {
	require.True(t, CondEqual.satisfiedBy(4, 4))
	require.False(t, CondEqual.satisfiedBy(4, 5))
	require.True(t, CondNotEqual.satisfiedBy(4, 5))
	require.True(t, CondGTE.satisfiedBy(5, 4))
	require.True(t, CondGTE.satisfiedBy(4, 4))
	require.True(t, CondLT.satisfiedBy(3, 4))
	require.False(t, CondLT.satisfiedBy(4, 4))
}
