package antivirus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clamdStub answers the PING and INSTREAM commands on a loopback listener.
// Streamed payloads are recorded so tests can verify chunk reassembly.
type clamdStub struct {
	addr     string
	verdict  string
	payloads chan []byte
}

func newClamdStub(t *testing.T, verdict string) *clamdStub {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &clamdStub{addr: ln.Addr().String(), verdict: verdict, payloads: make(chan []byte, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *clamdStub) serve(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	cmd, err := r.ReadBytes(0)
	if err != nil {
		return
	}

	switch string(bytes.TrimRight(cmd, "\x00")) {
	case "zPING":
		_, _ = conn.Write([]byte("PONG\x00"))

	case "zINSTREAM":
		var payload []byte
		sizeBuf := make([]byte, 4)
		for {
			if _, err := io.ReadFull(r, sizeBuf); err != nil {
				return
			}
			size := binary.BigEndian.Uint32(sizeBuf)
			if size == 0 {
				break
			}
			chunk := make([]byte, size)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			payload = append(payload, chunk...)
		}
		s.payloads <- payload
		_, _ = conn.Write([]byte(s.verdict + "\x00"))
	}
}

func connectedScanner(t *testing.T, verdict string) (*ClamAV, *clamdStub) {
	t.Helper()
	stub := newClamdStub(t, verdict)
	c := NewClamAV(Config{Address: stub.addr, Timeout: 2 * time.Second})
	require.NoError(t, c.Connect())
	return c, stub
}

func TestConnect(t *testing.T) {
	t.Run("ping pong", func(t *testing.T) {
		c, _ := connectedScanner(t, "stream: OK")
		assert.True(t, c.IsConnected())
		require.NoError(t, c.Close())
		assert.False(t, c.IsConnected())
	})

	t.Run("unreachable daemon", func(t *testing.T) {
		c := NewClamAV(Config{Address: "127.0.0.1:1", Timeout: 100 * time.Millisecond})
		assert.Error(t, c.Connect())
		assert.False(t, c.IsConnected())
	})
}

func TestScanBytes(t *testing.T) {
	t.Run("clean verdict", func(t *testing.T) {
		c, stub := connectedScanner(t, "stream: OK")

		res, err := c.ScanBytes(context.Background(), []byte("harmless"))
		require.NoError(t, err)
		assert.True(t, res.Clean)
		assert.Empty(t, res.Infections)
		assert.Equal(t, "clamav", res.Engine)
		assert.Equal(t, []byte("harmless"), <-stub.payloads)
	})

	t.Run("infected verdict", func(t *testing.T) {
		c, _ := connectedScanner(t, "stream: Eicar-Signature FOUND")

		res, err := c.ScanBytes(context.Background(), []byte("eicar"))
		require.NoError(t, err)
		assert.False(t, res.Clean)
		assert.Equal(t, []string{"Eicar-Signature"}, res.Infections)
	})

	t.Run("payload larger than one chunk is reassembled", func(t *testing.T) {
		c, stub := connectedScanner(t, "stream: OK")

		data := bytes.Repeat([]byte{0xAB}, clamChunkSize+1234)
		_, err := c.ScanBytes(context.Background(), data)
		require.NoError(t, err)
		assert.Equal(t, data, <-stub.payloads)
	})

	t.Run("requires a prior connect", func(t *testing.T) {
		c := NewClamAV(Config{Address: "127.0.0.1:1"})
		_, err := c.ScanBytes(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestParseVerdict(t *testing.T) {
	c := NewClamAV(Config{})

	t.Run("ok", func(t *testing.T) {
		res, err := c.parseVerdict("stream: OK")
		require.NoError(t, err)
		assert.True(t, res.Clean)
	})

	t.Run("found", func(t *testing.T) {
		res, err := c.parseVerdict("stream: Win.Test.EICAR_HDB-1 FOUND")
		require.NoError(t, err)
		assert.False(t, res.Clean)
		assert.Equal(t, []string{"Win.Test.EICAR_HDB-1"}, res.Infections)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := c.parseVerdict("INSTREAM size limit exceeded ERROR")
		assert.ErrorIs(t, err, ErrScanFailed)
	})
}

func TestNewScanner(t *testing.T) {
	t.Run("clamav by default", func(t *testing.T) {
		s, err := New(Config{})
		require.NoError(t, err)
		assert.Equal(t, "clamav", s.Name())
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := New(Config{Type: "sophos"})
		assert.Error(t, err)
	})
}
