// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sentence = "$VNYPR,+010.071,+000.278,-002.026*60\r\n"

func writeRecording(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// ============================================================================
// Replay
// ============================================================================

func TestReplay_ReadsWholeFileThenEOF(t *testing.T) {
	data := bytes.Repeat([]byte(sentence), 40)
	r, err := OpenReplay(writeRecording(t, data), 0)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	n, err := r.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplay_Paced(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 2048)
	// burst of 512, then 512 bytes per 100ms
	r, err := OpenReplay(writeRecording(t, data), 5120)
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, got, len(data))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestReplay_CloseUnblocksRead(t *testing.T) {
	data := bytes.Repeat([]byte{0x55}, 4096)
	r, err := OpenReplay(writeRecording(t, data), 1)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	_, err = r.Read(buf) // consumes the burst
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Read(buf)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
	assert.NoError(t, r.Close())
}

func TestReplay_WriteRejected(t *testing.T) {
	r, err := OpenReplay(writeRecording(t, []byte(sentence)), 0)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Write([]byte("$VNRRG,01*XX\r\n"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestReplay_MissingFile(t *testing.T) {
	_, err := OpenReplay(filepath.Join(t.TempDir(), "missing.bin"), 0)
	assert.Error(t, err)
}

// ============================================================================
// WebSocket
// ============================================================================

func newBridge(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok && (user != "admin" || pass != "secret") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_ReadSplitsMessages(t *testing.T) {
	url := newBridge(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(sentence))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0xFA, 0x01})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	})

	ws, err := DialWebSocket(url, "", "", false)
	require.NoError(t, err)
	defer ws.Close()

	var got []byte
	buf := make([]byte, 7)
	for {
		n, err := ws.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			assert.True(t, errors.Is(err, ErrConnectionClosed))
			break
		}
	}
	assert.Equal(t, append([]byte(sentence), 0xFA, 0x01), got)

	_, err = ws.Read(buf)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestWebSocket_WriteEchoes(t *testing.T) {
	url := newBridge(t, func(conn *websocket.Conn) {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, data)
		time.Sleep(50 * time.Millisecond)
	})

	ws, err := DialWebSocket(url, "admin", "secret", false)
	require.NoError(t, err)
	defer ws.Close()

	cmd := []byte("$VNRRG,01*XX\r\n")
	n, err := ws.Write(cmd)
	require.NoError(t, err)
	assert.Equal(t, len(cmd), n)

	buf := make([]byte, 64)
	n, err = ws.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, cmd, buf[:n])
}

func TestWebSocket_AuthRejected(t *testing.T) {
	url := newBridge(t, func(*websocket.Conn) {})
	_, err := DialWebSocket(url, "admin", "wrong", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestDialWebSocket_BadScheme(t *testing.T) {
	_, err := DialWebSocket("http://localhost:1", "", "", false)
	assert.ErrorContains(t, err, "unsupported URL scheme")
}

// ============================================================================
// Open
// ============================================================================

func TestOpen(t *testing.T) {
	_, _, err := Open(Options{})
	assert.ErrorIs(t, err, ErrNoTransport)

	path := writeRecording(t, []byte(sentence))
	tr, desc, err := Open(Options{File: path, Port: "/dev/does-not-exist"})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "File: "+path, desc)
	assert.False(t, Live(tr))

	_, _, err = Open(Options{Port: "/dev/vnlink-does-not-exist"})
	assert.Error(t, err)
}

type pipeTransport struct {
	io.Reader
	io.Writer
}

func (pipeTransport) Close() error { return nil }

func TestLive_DefaultsToTrue(t *testing.T) {
	assert.True(t, Live(pipeTransport{Reader: strings.NewReader(""), Writer: io.Discard}))
	assert.True(t, Live(&WebSocketTransport{}))
}
