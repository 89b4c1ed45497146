// Package clntstream maintains a long-lived connection to a local service
// on behalf of synchronous request/reply clients. The connection is opened
// lazily, discarded when it sat idle or lived too long, and re-opened on
// the next access. Callers that hit an I/O error call Recover and retry.
package clntstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mxpipe/resolvex/pkg/mailproto"
)

var ErrClosed = errors.New("client stream closed")

// DialFunc opens a new connection to the peer service.
type DialFunc func(ctx context.Context) (net.Conn, error)

// UnixDial returns a DialFunc for a service socket under queueDir.
func UnixDial(queueDir, class, service string) DialFunc {
	path := mailproto.ServicePath(queueDir, class, service)
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "unix", path)
	}
}

// Stream is the framed I/O handle of the current connection. It is valid
// for one access->write->read sequence; after Recover it must not be used.
type Stream struct {
	net.Conn
	R *bufio.Reader
	W *bufio.Writer
}

type Options struct {
	// IdleLimit discards a connection that was not accessed for this long.
	// <=0 disables the idle check.
	IdleLimit time.Duration

	// TTLLimit discards a connection this long after it was opened,
	// regardless of use. <=0 disables the age check.
	TTLLimit time.Duration

	Logger *zap.Logger
}

type ClntStream struct {
	dial      DialFunc
	idleLimit time.Duration
	ttlLimit  time.Duration
	logger    *zap.Logger

	dialSF singleflight.Group

	mu       sync.Mutex
	stream   *Stream
	dialedAt time.Time
	lastUse  time.Time
	closed   bool
}

func New(dial DialFunc, opts Options) *ClntStream {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClntStream{
		dial:      dial,
		idleLimit: opts.IdleLimit,
		ttlLimit:  opts.TTLLimit,
		logger:    logger,
	}
}

// Access returns a live stream, connecting first if necessary. A stale
// connection is dropped here rather than handed out, so in the common case
// the returned handle survives at least one round trip.
func (cs *ClntStream) Access(ctx context.Context) (*Stream, error) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil, ErrClosed
	}
	if s := cs.stream; s != nil {
		now := time.Now()
		if cs.staleLocked(now) {
			cs.dropLocked("stale connection")
		} else {
			cs.lastUse = now
			cs.mu.Unlock()
			return s, nil
		}
	}
	cs.mu.Unlock()

	v, err, _ := cs.dialSF.Do("dial", func() (interface{}, error) {
		cs.mu.Lock()
		if s := cs.stream; s != nil {
			cs.mu.Unlock()
			return s, nil
		}
		cs.mu.Unlock()

		conn, err := cs.dial(ctx)
		if err != nil {
			return nil, err
		}
		s := &Stream{
			Conn: conn,
			R:    bufio.NewReader(conn),
			W:    bufio.NewWriter(conn),
		}

		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		now := time.Now()
		cs.stream = s
		cs.dialedAt = now
		cs.lastUse = now
		cs.mu.Unlock()
		cs.logger.Debug("connected", zap.Stringer("peer", conn.RemoteAddr()))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stream), nil
}

// Recover invalidates the current connection. The next Access reconnects.
func (cs *ClntStream) Recover() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.dropLocked("recover")
}

func (cs *ClntStream) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.dropLocked("close")
	cs.closed = true
	return nil
}

func (cs *ClntStream) staleLocked(now time.Time) bool {
	if cs.idleLimit > 0 && now.Sub(cs.lastUse) > cs.idleLimit {
		return true
	}
	if cs.ttlLimit > 0 && now.Sub(cs.dialedAt) > cs.ttlLimit {
		return true
	}
	return false
}

// IsExpectedDisconnect reports whether err is one of the routine
// end-of-connection errors a client sees when the peer enforces its own
// idle limit. Clients log these quietly and retry.
func IsExpectedDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOENT)
}

func (cs *ClntStream) dropLocked(reason string) {
	if cs.stream == nil {
		return
	}
	cs.logger.Debug("dropping connection", zap.String("reason", reason))
	cs.stream.Conn.Close()
	cs.stream = nil
}
