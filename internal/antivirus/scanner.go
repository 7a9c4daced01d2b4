// Package antivirus provides the malware scanning collaborator used by the
// attachment security pipeline.
package antivirus

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotConnected = errors.New("not connected to scanner")
	ErrScanFailed   = errors.New("scan failed")
)

// Scanner is the opaque scanning capability. Any non-clean verdict rejects
// the attachment being scanned.
type Scanner interface {
	// Connect establishes a connection to the scanner.
	Connect() error

	// Close closes the connection to the scanner.
	Close() error

	// IsConnected returns true if the scanner is reachable.
	IsConnected() bool

	// Name returns the name of the scanner engine.
	Name() string

	// ScanBytes scans a byte slice for malware.
	ScanBytes(ctx context.Context, data []byte) (*ScanResult, error)
}

// ScanResult is the verdict of one scan.
type ScanResult struct {
	Engine     string
	Timestamp  time.Time
	Clean      bool
	Infections []string
}

// Config configures a scanner instance.
type Config struct {
	Type    string        // scanner type ("clamav")
	Address string        // scanner server address (host:port)
	Timeout time.Duration // per-scan deadline
}

// New creates a scanner from configuration.
func New(config Config) (Scanner, error) {
	switch config.Type {
	case "clamav", "":
		return NewClamAV(config), nil
	default:
		return nil, errors.New("unsupported scanner type: " + config.Type)
	}
}
