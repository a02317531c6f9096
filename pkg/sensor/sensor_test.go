// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sensor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/cmdtrack"
	"github.com/Thermoquad/vnlink/pkg/config"
	"github.com/Thermoquad/vnlink/pkg/export"
	"github.com/Thermoquad/vnlink/pkg/metrics"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/transport"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

const (
	yprSentence  = "$VNYPR,+010.071,+000.278,-002.026*60\r\n"
	modelReply   = "$VNRRG,01,VN-100T*0E\r\n"
	errorReply   = "$VNERR,03*72\r\n"
	waitDeadline = 2 * time.Second
)

// ============================================================================
// Test transports
// ============================================================================

// memTransport replays a fixed byte slice, then returns io.EOF
type memTransport struct {
	r      *bytes.Reader
	closed atomic.Bool
}

func newMemTransport(data []byte) *memTransport {
	return &memTransport{r: bytes.NewReader(data)}
}

func (m *memTransport) Read(p []byte) (int, error) { return m.r.Read(p) }
func (m *memTransport) Write(p []byte) (int, error) { return len(p), nil }
func (m *memTransport) Close() error {
	m.closed.Store(true)
	return nil
}

// failingTransport returns data once, then a read error
type failingTransport struct {
	data []byte
	err  error
	once sync.Once
}

func (f *failingTransport) Read(p []byte) (int, error) {
	n := 0
	f.once.Do(func() { n = copy(p, f.data) })
	if n > 0 {
		return n, nil
	}
	return 0, f.err
}
func (f *failingTransport) Write(p []byte) (int, error) { return len(p), nil }
func (f *failingTransport) Close() error                { return nil }

// device is the far end of a net.Pipe. It reads command lines and answers
// with whatever reply returns.
type device struct {
	conn     net.Conn
	mu       sync.Mutex
	commands []string
}

func newDevice(t *testing.T, reply func(n int, line string) string) (*device, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	d := &device{conn: server}

	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			d.mu.Lock()
			d.commands = append(d.commands, line)
			n := len(d.commands)
			d.mu.Unlock()

			if out := reply(n, line); out != "" {
				if _, err := server.Write([]byte(out)); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() { _ = server.Close() })
	return d, client
}

func (d *device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.commands))
	copy(out, d.commands)
	return out
}

func drainKinds(ch *asyncerr.Channel) []asyncerr.Kind {
	var kinds []asyncerr.Kind
	for _, e := range ch.Drain() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func waitDone(t *testing.T, s *Sensor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitDeadline):
		t.Fatal("pipeline did not stop")
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSensor_NotConnected(t *testing.T) {
	s := New()

	assert.False(t, s.Connected())
	assert.Nil(t, s.Measurements())
	assert.Nil(t, s.AsyncErrors())

	_, err := s.SendCommand(context.Background(), vnproto.ReadRegister(1), Block)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Write([]byte("x")), ErrNotConnected)

	_, err = s.Stats()
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Equal(t, cmdtrack.Unknown, s.Poll(1).Status)
	assert.NoError(t, s.Disconnect())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed when not connected")
	}
}

func TestSensor_ConnectTwice(t *testing.T) {
	_, client := newDevice(t, func(int, string) string { return "" })
	s := New()
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	assert.ErrorIs(t, s.Connect(context.Background(), newMemTransport(nil)), ErrAlreadyConnected)
	assert.True(t, s.Connected())
}

func TestSensor_DisconnectClosesResources(t *testing.T) {
	tr := newMemTransport([]byte(yprSentence))
	s := New()
	require.NoError(t, s.Connect(context.Background(), tr))

	require.NoError(t, s.Disconnect())
	assert.True(t, tr.closed.Load())
	assert.False(t, s.Connected())

	// the error channel of the last connection stays readable
	errCh := s.AsyncErrors()
	require.NotNil(t, errCh)
	assert.False(t, errCh.Push(asyncerr.FramingError, "after close", nil))

	assert.NoError(t, s.Disconnect())
}

func TestSensor_Reconnect(t *testing.T) {
	s := New()
	q := router.NewQueue("all", 16, router.DropNewest)
	require.NoError(t, s.Subscribe(q, router.AnyMatch()))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Connect(context.Background(), newMemTransport([]byte(yprSentence))))
		waitDone(t, s)
		require.NoError(t, s.Disconnect())
	}

	// the subscription survives reconnects
	assert.Equal(t, 2, q.Len())
}

// ============================================================================
// Packet pipeline
// ============================================================================

func TestSensor_ReplayToEndOfStream(t *testing.T) {
	h := vnproto.BinaryHeader{}.With(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	frame := vnproto.EncodeBinaryPacket(h, make([]byte, 12))

	var stream []byte
	stream = append(stream, yprSentence...)
	stream = append(stream, 0x00, 0x7F)
	stream = append(stream, frame...)
	stream = append(stream, "$VNYPR,+01"...)

	dir := t.TempDir()
	m, err := metrics.New("test")
	require.NoError(t, err)

	s := New(WithMetrics(m))
	raw := export.NewRawByteLogger(dir)
	csv := export.NewCsv(dir)
	require.NoError(t, s.AddExporter(context.Background(), raw))
	require.NoError(t, s.AddExporter(context.Background(), csv))
	require.NoError(t, s.AddExporter(context.Background(), raw))
	assert.Len(t, s.Exporters(), 2)

	binaries := router.NewQueue("binary", 8, router.DropNewest)
	require.NoError(t, s.Subscribe(binaries, router.BinaryGroupMatch(h)))

	require.NoError(t, s.Connect(context.Background(), newMemTransport(stream)))
	waitDone(t, s)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Framer.AsciiPackets)
	assert.Equal(t, uint64(1), stats.Framer.BinaryPackets)
	assert.Equal(t, uint64(2), stats.Framer.Skipped(vnproto.ReasonUnknownSync))
	assert.Equal(t, uint64(10), stats.Framer.Skipped(vnproto.ReasonTruncated))

	latest, ok := s.Measurements().MostRecent()
	require.True(t, ok)
	assert.Equal(t, vnproto.SyncBinary, latest.Sync())
	assert.Equal(t, 2, s.Measurements().Len())

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())

	assert.Contains(t, drainKinds(errCh), asyncerr.EndOfStream)
	assert.Equal(t, 1, binaries.Len())
	assert.Equal(t, export.StateStopped, raw.State())

	// every input byte reaches the raw log, in order
	got, err := os.ReadFile(filepath.Join(dir, export.RawBytesFile))
	require.NoError(t, err)
	assert.Equal(t, stream, got)

	_, err = os.Stat(filepath.Join(dir, "VNYPR.csv"))
	assert.NoError(t, err)
}

func TestSensor_ReplayLargerThanBufferIsLossless(t *testing.T) {
	h := vnproto.BinaryHeader{}.With(vnproto.GroupCommon, vnproto.CommonYawPitchRoll)
	frame := vnproto.EncodeBinaryPacket(h, make([]byte, 12))

	segments := vnproto.EncodeSplitMessage(1, frame, 5)

	var stream []byte
	for len(stream) < 200*1024 {
		stream = append(stream, yprSentence...)
		stream = append(stream, 0x00, 0x7F, 0x13)
		stream = append(stream, frame...)
		for _, seg := range segments {
			stream = append(stream, seg...)
		}
		stream = append(stream, modelReply...)
	}
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, stream, 0o600))

	replay, err := transport.OpenReplay(path, 0)
	require.NoError(t, err)

	dir := t.TempDir()
	s := New(WithBufferCapacity(1024))
	raw := export.NewRawByteLogger(dir, export.WithQueueCapacity(4))
	require.NoError(t, s.AddExporter(context.Background(), raw))

	require.NoError(t, s.Connect(context.Background(), replay))
	select {
	case <-s.Done():
	case <-time.After(20 * time.Second):
		t.Fatal("replay did not finish")
	}

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Buffer.Overruns)
	assert.Zero(t, stats.Buffer.BytesDropped)
	assert.Equal(t, uint64(len(stream)), stats.Buffer.BytesRead)
	assert.Equal(t, stats.Framer.BinaryPackets, stats.Framer.Reassembled)
	assert.Zero(t, stats.Framer.SequenceErrors)

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())

	kinds := drainKinds(errCh)
	assert.Contains(t, kinds, asyncerr.EndOfStream)
	assert.NotContains(t, kinds, asyncerr.BufferOverrun)
	assert.NotContains(t, kinds, asyncerr.PacketQueueFull)
	assert.Zero(t, raw.Queue().Dropped())

	got, err := os.ReadFile(filepath.Join(dir, export.RawBytesFile))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(stream, got), "raw log differs from the recording")
}

func TestSensor_MeasurementOverflowReportedOnce(t *testing.T) {
	bad := strings.Replace(yprSentence, "*60", "*61", 1)
	stream := bad + strings.Repeat(yprSentence, 1000)

	s := New(WithMeasurementCapacity(16))
	require.NoError(t, s.Connect(context.Background(), newMemTransport([]byte(stream))))
	waitDone(t, s)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), stats.Framer.AsciiPackets)
	assert.Equal(t, uint64(1000-16), stats.MeasurementsDropped)

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())

	full := 0
	kinds := drainKinds(errCh)
	for _, k := range kinds {
		if k == asyncerr.MeasurementQueueFull {
			full++
		}
	}
	assert.Equal(t, 1, full)
	assert.Contains(t, kinds, asyncerr.FramingError, "the framing error is not evicted by measurement drops")
	assert.Contains(t, kinds, asyncerr.EndOfStream)
	assert.NotContains(t, kinds, asyncerr.ErrorsDropped)
}

func TestSensor_LatestOnlyMeasurements(t *testing.T) {
	s := New(WithMeasurementCapacity(0))
	require.NoError(t, s.Connect(context.Background(), newMemTransport([]byte(strings.Repeat(yprSentence, 50)))))
	waitDone(t, s)

	q := s.Measurements()
	_, ok := q.MostRecent()
	assert.True(t, ok)
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Dropped())
	require.NoError(t, s.Disconnect())
}

func TestSensor_FailedExporterUnsubscribed(t *testing.T) {
	dir := t.TempDir()
	// A directory where the ASCII log belongs makes every write fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, "VNYPR.txt"), 0o755))

	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat(yprSentence, 500)), 0o600))
	replay, err := transport.OpenReplay(path, 0)
	require.NoError(t, err)

	s := New()
	ascii := export.NewAscii(dir, export.WithQueueCapacity(2), export.WithMaxWriteFailures(1))
	require.NoError(t, s.AddExporter(context.Background(), ascii))
	require.Equal(t, 1, s.Router().Subscribers())

	require.NoError(t, s.Connect(context.Background(), replay))
	waitDone(t, s)

	require.Eventually(t, func() bool {
		return ascii.State() == export.StateFailed && s.Router().Subscribers() == 0
	}, waitDeadline, time.Millisecond)

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())
	kinds := drainKinds(errCh)
	assert.Contains(t, kinds, asyncerr.ExporterFailed)
	assert.Contains(t, kinds, asyncerr.EndOfStream)
}

func TestSensor_ChecksumFailureReported(t *testing.T) {
	bad := strings.Replace(yprSentence, "*60", "*61", 1)
	s := New()
	require.NoError(t, s.Connect(context.Background(), newMemTransport([]byte(bad+yprSentence))))
	waitDone(t, s)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Framer.AsciiPackets)
	assert.Equal(t, uint64(len(bad)), stats.Framer.Skipped(vnproto.ReasonChecksumFailed))

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())

	kinds := drainKinds(errCh)
	assert.Contains(t, kinds, asyncerr.FramingError)
	assert.Contains(t, kinds, asyncerr.EndOfStream)
}

func TestSensor_ReadFailure(t *testing.T) {
	boom := errors.New("cable unplugged")
	s := New()
	require.NoError(t, s.Connect(context.Background(), &failingTransport{data: []byte(yprSentence), err: boom}))
	waitDone(t, s)

	latest, ok := s.Measurements().MostRecent()
	require.True(t, ok)
	assert.Equal(t, "VNYPR", latest.AsciiHeader())

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())

	var readErr *asyncerr.Error
	for _, e := range errCh.Drain() {
		assert.NotEqual(t, asyncerr.EndOfStream, e.Kind)
		if e.Kind == asyncerr.ReadFailed {
			readErr = e
		}
	}
	require.NotNil(t, readErr)
	assert.ErrorIs(t, readErr, boom)
}

func TestSensor_FullSubscriberReportsQueueFull(t *testing.T) {
	s := New()
	q := router.NewQueue("tiny", 1, router.Retry, router.WithRetryTimeout(time.Millisecond))
	require.NoError(t, s.Subscribe(q, router.ExactSync(vnproto.SyncAscii)))

	stream := strings.Repeat(yprSentence, 3)
	require.NoError(t, s.Connect(context.Background(), newMemTransport([]byte(stream))))
	waitDone(t, s)

	errCh := s.AsyncErrors()
	require.NoError(t, s.Disconnect())

	full := 0
	for _, e := range errCh.Drain() {
		if e.Kind == asyncerr.PacketQueueFull {
			full++
			assert.ErrorIs(t, e, router.ErrQueueFull)
		}
	}
	assert.Equal(t, 2, full)
	assert.Equal(t, uint64(2), q.Dropped())
}

// ============================================================================
// Commands
// ============================================================================

func TestSensor_CommandResponse(t *testing.T) {
	dev, client := newDevice(t, func(_ int, line string) string {
		if strings.HasPrefix(line, "$VNRRG,01") {
			return yprSentence + modelReply
		}
		return ""
	})

	s := New()
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	res, err := s.SendCommand(context.Background(), vnproto.ReadRegister(1), Block)
	require.NoError(t, err)
	assert.Equal(t, cmdtrack.Responded, res.Status)
	require.NotNil(t, res.Response)
	assert.Equal(t, "VN-100T", res.Response.Field(1))

	assert.Equal(t, []string{"$VNRRG,01*72\r\n"}, dev.Commands())
}

func TestSensor_CommandSensorError(t *testing.T) {
	_, client := newDevice(t, func(int, string) string { return errorReply })

	s := New()
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	res, err := s.SendCommand(context.Background(), vnproto.WriteSettings(), BlockWithRetry)
	var sensorErr *cmdtrack.SensorError
	require.ErrorAs(t, err, &sensorErr)
	assert.Equal(t, cmdtrack.ErrorCode(3), sensorErr.Code)
	assert.Equal(t, cmdtrack.Errored, res.Status)
}

func TestSensor_NoBlockThenPoll(t *testing.T) {
	_, client := newDevice(t, func(int, string) string { return modelReply })

	s := New()
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	res, err := s.SendCommand(context.Background(), vnproto.ReadRegister(1), NoBlock)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.Poll(res.Handle).Status == cmdtrack.Responded
	}, waitDeadline, time.Millisecond)

	s.Release(res.Handle)
	assert.Equal(t, cmdtrack.Expired, s.Poll(res.Handle).Status)
}

func TestSensor_BlockExpires(t *testing.T) {
	_, client := newDevice(t, func(int, string) string { return "" })

	s := New(WithRemovalTimeout(20 * time.Millisecond))
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	res, err := s.SendCommand(context.Background(), vnproto.ReadRegister(1), Block)
	assert.ErrorIs(t, err, cmdtrack.ErrCommandExpired)
	assert.Equal(t, cmdtrack.Expired, res.Status)
}

func TestSensor_BlockWithRetryResends(t *testing.T) {
	dev, client := newDevice(t, func(n int, _ string) string {
		if n < 2 {
			return ""
		}
		return modelReply
	})

	s := New(
		WithRemovalTimeout(20*time.Millisecond),
		WithResendInterval(40*time.Millisecond),
		WithRetries(3),
	)
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	start := time.Now()
	res, err := s.SendCommand(context.Background(), vnproto.ReadRegister(1), BlockWithRetry)
	require.NoError(t, err)
	assert.Equal(t, cmdtrack.Responded, res.Status)
	assert.Len(t, dev.Commands(), 2)
	// the resend waits out the interval, not just the removal timeout
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSensor_BlockWithRetryExhausted(t *testing.T) {
	dev, client := newDevice(t, func(int, string) string { return "" })

	s := New(
		WithRemovalTimeout(10*time.Millisecond),
		WithResendInterval(15*time.Millisecond),
		WithRetries(2),
	)
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	_, err := s.SendCommand(context.Background(), vnproto.ReadRegister(1), BlockWithRetry)
	assert.ErrorIs(t, err, cmdtrack.ErrCommandExpired)
	assert.Len(t, dev.Commands(), 3)
}

func TestSensor_CommandCancelled(t *testing.T) {
	_, client := newDevice(t, func(int, string) string { return "" })

	s := New(WithRemovalTimeout(time.Second))
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.SendCommand(ctx, vnproto.ReadRegister(1), Block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSensor_UnknownBlockMode(t *testing.T) {
	_, client := newDevice(t, func(int, string) string { return "" })
	s := New()
	require.NoError(t, s.Connect(context.Background(), client))
	defer s.Disconnect()

	_, err := s.Submit(context.Background(), []byte("$VNWNV*57\r\n"), vnproto.Signature{Header: "VNWNV", Register: vnproto.AnyRegister}, BlockMode(9))
	assert.Error(t, err)
}

// ============================================================================
// Configuration
// ============================================================================

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Commands.Checksum = "crc"
	cfg.Commands.Retries = 0
	cfg.Framer.Binary = []string{"4:12:f32:3:YprU"}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)

	s := New(opts...)
	assert.Equal(t, vnproto.ChecksumCRC, s.checksum)
	assert.Equal(t, 0, s.retries)
	assert.Equal(t, 200*time.Millisecond, s.removalTimeout)
	_, ok := s.fieldTable.Lookup(vnproto.GroupAttitude, 12)
	assert.True(t, ok)

	cfg.Commands.Checksum = "sha1"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}

func TestBlockMode_String(t *testing.T) {
	assert.Equal(t, "NoBlock", NoBlock.String())
	assert.Equal(t, "BlockWithRetry", BlockWithRetry.String())
	assert.Equal(t, "Unknown", BlockMode(7).String())
}

var _ io.ReadWriteCloser = (*memTransport)(nil)

func TestSensor_DisconnectWithoutConnectStopsExporters(t *testing.T) {
	s := New()
	raw := export.NewRawByteLogger(t.TempDir())
	require.NoError(t, s.AddExporter(context.Background(), raw))
	assert.Equal(t, export.StateRunning, raw.State())

	require.NoError(t, s.Disconnect())
	assert.Equal(t, export.StateStopped, raw.State())
	assert.Empty(t, s.Exporters())
	assert.Equal(t, 0, s.Router().Subscribers())
}
