// Package device defines the boundary the tuner-sharing core consumes from
// the platform-specific BonDriver binding. The binding itself — the code
// that actually opens a device node and reads TS bytes from hardware — is
// out of scope; this package only names the interface and ships an
// in-memory fake used by tests.
package device

import (
	"context"
	"errors"

	"github.com/bonproxy/server/internal/wire"
)

// ErrReadOverflow is returned when a Device reports more bytes read than
// the destination buffer could possibly hold. The spec treats any
// "reported > buffer" as a contract violation in the device binding, never
// a value to silently truncate.
var ErrReadOverflow = errors.New("device: read reported more bytes than buffer size")

// Device is the four-operation contract the tuner-sharing core requires of
// an opened platform binding: set channel, read, signal level, close.
// Opening a device is the Opener's job.
type Device interface {
	// SetChannel tunes the device to spec. May be called more than once
	// over the device's lifetime (retuning an already-open device).
	SetChannel(ctx context.Context, spec wire.ChannelSpec) error

	// Read fills buf with TS bytes and returns the number of bytes
	// written. Implementations are expected to return a multiple of 188
	// bytes when possible; the TS analyzer tolerates short reads by
	// skipping any 188-byte stride that does not start with the sync byte
	// and ignoring a trailing partial packet. n must never exceed len(buf) —
	// callers treat n > len(buf) as ErrReadOverflow.
	Read(ctx context.Context, buf []byte) (n int, err error)

	// SignalLevel returns the last-known signal level in dB. May be
	// stale between reader ticks.
	SignalLevel(ctx context.Context) (float32, error)

	// Close releases the underlying device handle. Idempotent.
	Close() error
}

// Opener opens a Device for a given tuner path. The out-of-scope platform
// binding supplies the real implementation; New* constructors elsewhere
// accept an Opener so tests can inject a fake.
type Opener interface {
	Open(ctx context.Context, tunerPath string) (Device, error)
}

// OpenerFunc adapts a plain function to the Opener interface.
type OpenerFunc func(ctx context.Context, tunerPath string) (Device, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, tunerPath string) (Device, error) {
	return f(ctx, tunerPath)
}
