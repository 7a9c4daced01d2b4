package antivirus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	clamChunkSize      = 32 * 1024
	clamDefaultTimeout = 30 * time.Second
)

// ClamAV talks the clamd INSTREAM protocol. A fresh TCP connection is used
// per scan; clamd closes the stream after each verdict.
type ClamAV struct {
	address string
	timeout time.Duration
	dial    func(ctx context.Context, address string) (net.Conn, error)

	connected bool
}

// NewClamAV creates a ClamAV scanner.
func NewClamAV(config Config) *ClamAV {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = clamDefaultTimeout
	}

	return &ClamAV{
		address: config.Address,
		timeout: timeout,
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", address)
		},
	}
}

// Connect verifies the scanner is reachable with a PING.
func (c *ClamAV) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to reach clamd at %s: %w", c.address, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return fmt.Errorf("clamd ping failed: %w", err)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("clamd ping read failed: %w", err)
	}
	if !strings.Contains(string(buf[:n]), "PONG") {
		return fmt.Errorf("unexpected clamd ping response: %q", buf[:n])
	}

	c.connected = true
	return nil
}

// IsConnected returns whether the last connectivity check succeeded.
func (c *ClamAV) IsConnected() bool { return c.connected }

// Close marks the scanner disconnected. Scan connections are per-call, so
// there is nothing persistent to tear down.
func (c *ClamAV) Close() error {
	c.connected = false
	return nil
}

// Name returns the scanner engine name.
func (c *ClamAV) Name() string { return "clamav" }

// ScanBytes streams data to clamd and parses the verdict.
func (c *ClamAV) ScanBytes(ctx context.Context, data []byte) (*ScanResult, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to reach clamd at %s: %w", c.address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return nil, fmt.Errorf("clamd instream start failed: %w", err)
	}

	// Stream length-prefixed chunks, terminated by a zero-length chunk.
	sizeBuf := make([]byte, 4)
	for off := 0; off < len(data); off += clamChunkSize {
		end := off + clamChunkSize
		if end > len(data) {
			end = len(data)
		}
		binary.BigEndian.PutUint32(sizeBuf, uint32(end-off))
		if _, err := conn.Write(sizeBuf); err != nil {
			return nil, fmt.Errorf("clamd chunk header write failed: %w", err)
		}
		if _, err := conn.Write(data[off:end]); err != nil {
			return nil, fmt.Errorf("clamd chunk write failed: %w", err)
		}
	}
	binary.BigEndian.PutUint32(sizeBuf, 0)
	if _, err := conn.Write(sizeBuf); err != nil {
		return nil, fmt.Errorf("clamd stream terminator write failed: %w", err)
	}

	respBuf := make([]byte, 512)
	n, err := conn.Read(respBuf)
	if err != nil {
		return nil, fmt.Errorf("clamd verdict read failed: %w", err)
	}

	return c.parseVerdict(strings.TrimRight(string(respBuf[:n]), "\x00\n"))
}

// parseVerdict interprets a clamd response line such as "stream: OK" or
// "stream: Eicar-Signature FOUND".
func (c *ClamAV) parseVerdict(resp string) (*ScanResult, error) {
	result := &ScanResult{
		Engine:    c.Name(),
		Timestamp: time.Now(),
	}

	switch {
	case strings.HasSuffix(resp, "OK"):
		result.Clean = true
		return result, nil

	case strings.HasSuffix(resp, "FOUND"):
		sig := resp
		if i := strings.Index(sig, ":"); i != -1 {
			sig = strings.TrimSpace(sig[i+1:])
		}
		sig = strings.TrimSuffix(sig, " FOUND")
		result.Clean = false
		result.Infections = []string{sig}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: unexpected clamd response %q", ErrScanFailed, resp)
	}
}
