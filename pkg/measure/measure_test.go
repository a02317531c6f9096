// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package measure

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

const yprSentence = "$VNYPR,+010.071,+000.278,-002.026*60\r\n"

func packets(t *testing.T, data []byte) []vnproto.Packet {
	t.Helper()
	return vnproto.NewFramer().Feed(data)
}

func yprBinary(t *testing.T, yaw float32) vnproto.Packet {
	t.Helper()
	h := vnproto.BinaryHeader{}.With(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	payload := make([]byte, 0, 12)
	for _, v := range []float32{yaw, 2, 3} {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
	}
	pkts := packets(t, vnproto.EncodeBinaryPacket(h, payload))
	require.Len(t, pkts, 1)
	return pkts[0]
}

func TestFromPacket_Ascii(t *testing.T) {
	pkts := packets(t, []byte(yprSentence))
	require.Len(t, pkts, 1)

	c, ok := FromPacket(pkts[0])
	require.True(t, ok)
	assert.Equal(t, vnproto.SyncAscii, c.Sync())
	assert.Equal(t, "VNYPR", c.Name())

	vals, err := c.AsciiValues()
	require.NoError(t, err)
	assert.Equal(t, []float64{10.071, 0.278, -2.026}, vals)
}

func TestFromPacket_Binary(t *testing.T) {
	c, ok := FromPacket(yprBinary(t, 45))
	require.True(t, ok)
	assert.Equal(t, vnproto.SyncBinary, c.Sync())
	assert.True(t, c.Has(vnproto.GroupCommon, vnproto.CommonYawPitchRoll))
	assert.False(t, c.Has(vnproto.GroupCommon, vnproto.CommonQuaternion))

	ypr, ok := c.Float64s(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	require.True(t, ok)
	assert.Equal(t, []float64{45, 2, 3}, ypr)
	assert.Contains(t, c.String(), "YawPitchRoll=45,2,3")
}

func TestFromPacket_Rejects(t *testing.T) {
	for _, data := range [][]byte{[]byte("$VNRRG,05,115200*5D\r\n"), {0x00}} {
		pkts := packets(t, data)
		require.Len(t, pkts, 1)
		_, ok := FromPacket(pkts[0])
		assert.False(t, ok, "%s packet", pkts[0].Kind())
	}
}

func TestComposite_Immutable(t *testing.T) {
	pkts := packets(t, []byte(yprSentence))
	c, _ := FromPacket(pkts[0])

	fields := c.AsciiFields()
	fields[0] = "tampered"
	assert.Equal(t, "+010.071", c.AsciiFields()[0])

	b, _ := FromPacket(yprBinary(t, 1))
	f, _ := b.Field(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	f.Data[0] ^= 0xFF
	ypr, _ := b.Float64s(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	assert.Equal(t, 1.0, ypr[0])
}

func TestQueue_OrderAndMostRecent(t *testing.T) {
	q := NewQueue(4)
	_, ok := q.MostRecent()
	assert.False(t, ok)

	for _, yaw := range []float32{1, 2, 3} {
		assert.True(t, q.Offer(yprBinary(t, yaw)))
	}

	latest, ok := q.MostRecent()
	require.True(t, ok)
	v, _ := latest.Float64s(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	assert.Equal(t, 3.0, v[0])

	for _, want := range []float64{1, 2, 3} {
		c, ok := q.Next()
		require.True(t, ok)
		v, _ := c.Float64s(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
		assert.Equal(t, want, v[0])
	}
	_, ok = q.Next()
	assert.False(t, ok)
}

func TestQueue_FullReportsError(t *testing.T) {
	errs := asyncerr.New(4)
	q := NewQueue(1, WithErrors(errs))

	assert.True(t, q.Offer(yprBinary(t, 1)))
	assert.False(t, q.Offer(yprBinary(t, 2)))
	assert.Equal(t, uint64(1), q.Dropped())

	e, ok := errs.Poll()
	require.True(t, ok)
	assert.Equal(t, asyncerr.MeasurementQueueFull, e.Kind)

	latest, _ := q.MostRecent()
	v, _ := latest.Float64s(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	assert.Equal(t, 2.0, v[0], "MostRecent reflects dropped measurements")
}

func TestQueue_OneErrorPerOverflow(t *testing.T) {
	errs := asyncerr.New(16)
	q := NewQueue(2, WithErrors(errs))

	for i := 0; i < 500; i++ {
		q.Offer(yprBinary(t, float32(i)))
	}
	assert.Equal(t, uint64(498), q.Dropped())
	require.Equal(t, 1, errs.Len())

	// Consuming ends the overflow; the next one is reported again
	_, ok := q.Next()
	require.True(t, ok)
	q.Offer(yprBinary(t, 1))
	q.Offer(yprBinary(t, 2))
	q.Offer(yprBinary(t, 3))

	full := 0
	for _, e := range errs.Drain() {
		assert.Equal(t, asyncerr.MeasurementQueueFull, e.Kind)
		full++
	}
	assert.Equal(t, 2, full)
	assert.Equal(t, uint64(500), q.Dropped())
}

func TestQueue_LatestOnly(t *testing.T) {
	errs := asyncerr.New(4)
	q := NewQueue(0, WithErrors(errs))

	for i := 0; i < 100; i++ {
		assert.True(t, q.Offer(yprBinary(t, float32(i))))
	}
	assert.Zero(t, q.Dropped())
	assert.Zero(t, q.Len())
	assert.Zero(t, errs.Len())

	_, ok := q.Next()
	assert.False(t, ok)

	latest, ok := q.MostRecent()
	require.True(t, ok)
	v, _ := latest.Float64s(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	assert.Equal(t, 99.0, v[0])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Wait(t *testing.T) {
	q := NewQueue(2)
	p := yprBinary(t, 7)
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Offer(p)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := q.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, vnproto.SyncBinary, c.Sync())
}
