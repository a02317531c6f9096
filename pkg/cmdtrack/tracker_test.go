// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmdtrack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/clock"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func frame(t *testing.T, c clock.Clock, sentence string) vnproto.Packet {
	t.Helper()
	pkts := vnproto.NewFramer(vnproto.WithClock(c)).Feed([]byte(sentence))
	require.Len(t, pkts, 1)
	require.Equal(t, vnproto.KindAscii, pkts[0].Kind())
	return pkts[0]
}

func newTracker(opts ...Option) (*Tracker, *clock.Manual) {
	c := clock.NewManual(epoch)
	return New(append([]Option{WithClock(c)}, opts...)...), c
}

// ============================================================
// Matching
// ============================================================

// Scenario: a response 50ms after submission resolves the command
func TestTracker_RespondedBeforeDeadline(t *testing.T) {
	tr, c := newTracker()
	h := tr.Submit(vnproto.ReadRegister(5))

	assert.Equal(t, "$VNRRG,05*76\r\n", string(tr.Bytes(h)))
	assert.Equal(t, Pending, tr.Poll(h).Status)

	c.Advance(50 * time.Millisecond)
	assert.True(t, tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n")))

	res := tr.Poll(h)
	assert.Equal(t, Responded, res.Status)
	assert.Equal(t, "115200", res.Response.Field(1))
	assert.NoError(t, res.Err())

	c.Advance(300 * time.Millisecond)
	tr.Sweep()
	assert.Equal(t, Responded, tr.Poll(h).Status, "resolved commands never turn Expired")
}

func TestTracker_ExpiresAfterRemovalTimeout(t *testing.T) {
	errs := asyncerr.New(8)
	tr, c := newTracker(WithErrors(errs))
	h := tr.Submit(vnproto.WriteSettings())

	c.Advance(200 * time.Millisecond)
	assert.Equal(t, Pending, tr.Poll(h).Status, "deadline is inclusive")

	c.Advance(time.Millisecond)
	assert.Equal(t, Expired, tr.Poll(h).Status)
	assert.Equal(t, 0, errs.Len(), "Poll does not mutate")

	assert.Equal(t, 1, tr.Sweep())
	e, ok := errs.Poll()
	require.True(t, ok)
	assert.Equal(t, asyncerr.CommandExpired, e.Kind)

	// A late response does not resurrect the command
	assert.False(t, tr.OnPacket(frame(t, c, "$VNWNV*57\r\n")))
	assert.ErrorIs(t, tr.Poll(h).Err(), ErrCommandExpired)
}

func TestTracker_OldestMatchingWins(t *testing.T) {
	tr, c := newTracker()
	h1 := tr.Submit(vnproto.ReadRegister(5))
	h2 := tr.Submit(vnproto.ReadRegister(5))

	assert.True(t, tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n")))
	assert.Equal(t, Responded, tr.Poll(h1).Status)
	assert.Equal(t, Pending, tr.Poll(h2).Status)
	assert.Equal(t, 1, tr.Outstanding())
}

func TestTracker_SignatureSkipsNonMatching(t *testing.T) {
	tr, c := newTracker()
	h1 := tr.Submit(vnproto.WriteSettings())
	h2 := tr.Submit(vnproto.ReadRegister(5))

	assert.True(t, tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n")))
	assert.Equal(t, Pending, tr.Poll(h1).Status)
	assert.Equal(t, Responded, tr.Poll(h2).Status)
}

func TestTracker_ErrorResolvesOldest(t *testing.T) {
	errs := asyncerr.New(8)
	tr, c := newTracker(WithErrors(errs))
	h1 := tr.Submit(vnproto.WriteSettings())
	h2 := tr.Submit(vnproto.ReadRegister(5))

	assert.True(t, tr.OnPacket(frame(t, c, "$VNERR,03*72\r\n")))

	res := tr.Poll(h1)
	assert.Equal(t, Errored, res.Status)
	assert.Equal(t, ErrInvalidChecksum, res.Code)

	var sensorErr *SensorError
	require.ErrorAs(t, res.Err(), &sensorErr)
	assert.Equal(t, ErrInvalidChecksum, sensorErr.Code)

	assert.Equal(t, Pending, tr.Poll(h2).Status)

	e, ok := errs.Poll()
	require.True(t, ok)
	assert.Equal(t, asyncerr.CommandError, e.Kind)
}

func TestTracker_IgnoresMeasurementsAndBinary(t *testing.T) {
	tr, c := newTracker()
	tr.Submit(vnproto.Generic("VNYPR"))

	assert.False(t, tr.OnPacket(frame(t, c, "$VNYPR,+010.071,+000.278,-002.026*60\r\n")))
	assert.Equal(t, 1, tr.Outstanding())
}

func TestTracker_UnmatchedPacket(t *testing.T) {
	tr, c := newTracker()
	assert.False(t, tr.OnPacket(frame(t, c, "$VNERR,03*72\r\n")))
}

func TestTracker_ResubmissionIsIndependent(t *testing.T) {
	tr, c := newTracker()
	h1 := tr.Submit(vnproto.ReadRegister(5))
	c.Advance(250 * time.Millisecond)
	h2 := tr.Submit(vnproto.ReadRegister(5))

	assert.NotEqual(t, h1, h2)
	assert.True(t, tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n")))
	assert.Equal(t, Expired, tr.Poll(h1).Status)
	assert.Equal(t, Responded, tr.Poll(h2).Status)
}

// ============================================================
// Lifecycle
// ============================================================

func TestTracker_ReleaseAndRetention(t *testing.T) {
	tr, c := newTracker(WithRetention(time.Second))
	h1 := tr.Submit(vnproto.ReadRegister(5))
	h2 := tr.Submit(vnproto.ReadRegister(5))
	tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n"))
	tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n"))

	tr.Release(h1)
	assert.Equal(t, Expired, tr.Poll(h1).Status)
	tr.Release(h1)

	c.Advance(2 * time.Second)
	tr.Sweep()
	assert.Equal(t, Expired, tr.Poll(h2).Status, "pruned handles read as Expired")

	assert.Equal(t, Unknown, tr.Poll(Handle(99)).Status)
	assert.ErrorIs(t, tr.Poll(Handle(99)).Err(), ErrUnknownHandle)
}

func TestTracker_SubmitRaw(t *testing.T) {
	tr, c := newTracker()
	h := tr.SubmitRaw([]byte("$VNWNV*57\r\n"), vnproto.Signature{Header: "VNWNV", Register: vnproto.AnyRegister})
	assert.Equal(t, "$VNWNV*57\r\n", string(tr.Bytes(h)))
	assert.True(t, tr.OnPacket(frame(t, c, "$VNWNV*57\r\n")))
	assert.Equal(t, Responded, tr.Poll(h).Status)
}

func TestTracker_ChecksumMode(t *testing.T) {
	tr, _ := newTracker(WithChecksumMode(vnproto.ChecksumCRC))
	h := tr.Submit(vnproto.ReadRegister(5))
	assert.Equal(t, "$VNRRG,05*A1DB\r\n", string(tr.Bytes(h)))
}

// ============================================================
// Wait
// ============================================================

func TestTracker_WaitResponded(t *testing.T) {
	tr, c := newTracker()
	h := tr.Submit(vnproto.ReadRegister(5))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Wait(context.Background(), h, time.Second)
		done <- err
	}()

	tr.OnPacket(frame(t, c, "$VNRRG,05,115200*5D\r\n"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestTracker_WaitTimeoutDistinctFromExpiry(t *testing.T) {
	tr, c := newTracker()
	h := tr.Submit(vnproto.ReadRegister(5))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Wait(context.Background(), h, 100*time.Millisecond)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Waiters() >= 2 }, time.Second, time.Millisecond)
	c.Advance(100 * time.Millisecond)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrResponseTimeout)
		assert.False(t, errors.Is(err, ErrCommandExpired))
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestTracker_WaitExpired(t *testing.T) {
	tr, c := newTracker()
	h := tr.Submit(vnproto.ReadRegister(5))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Wait(context.Background(), h, time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.Waiters() >= 2 }, time.Second, time.Millisecond)
	c.Advance(201 * time.Millisecond)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCommandExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestTracker_WaitContextCancelled(t *testing.T) {
	tr, _ := newTracker()
	h := tr.Submit(vnproto.ReadRegister(5))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Wait(ctx, h, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "InvalidChecksum", ErrInvalidChecksum.String())
	assert.Equal(t, "ErrorBufferOverflow", ErrErrorBufferOverflow.String())
	assert.Equal(t, "Unknown(77)", ErrorCode(77).String())
}
