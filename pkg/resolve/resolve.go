// Package resolve implements the client side of the address resolve
// service. A query sends one internal-form recipient address and receives
// the delivery triple (transport, nexthop, recipient) plus classification
// flags. Communication failures are never surfaced to the caller; the
// client warns, recovers the shared connection and keeps trying.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mxpipe/resolvex/pkg/attrio"
	"github.com/mxpipe/resolvex/pkg/clntstream"
	"github.com/mxpipe/resolvex/pkg/mailproto"
)

// DefaultRetryInterval is the sleep between failed round trips.
const DefaultRetryInterval = 10 * time.Second

// Reply is the caller-owned result of a query. The same value can be
// reused across queries; every successful query overwrites all fields.
type Reply struct {
	Transport string // delivery transport, never empty after a query
	Nexthop   string // next-hop destination, empty means the transport decides
	Recipient string // canonical internal-form recipient
	Flags     Flags
}

func (r *Reply) Reset() {
	*r = Reply{}
}

type Options struct {
	Logger *zap.Logger

	// MetricsReg, if set, receives the client's counters.
	MetricsReg prometheus.Registerer

	// RetryInterval is the sleep after a failed round trip. Defaults to
	// DefaultRetryInterval.
	RetryInterval time.Duration

	// MaxRetryInterval, when larger than RetryInterval, enables capped
	// exponential backoff with jitter. Zero keeps the fixed sleep.
	MaxRetryInterval time.Duration
}

// Client resolves addresses over a shared client stream. The stream may be
// shared with the rewrite client; neither assumes ownership beyond a single
// access/write/read sequence. Client methods are serialized internally, so
// one Client may be used by concurrent callers.
type Client struct {
	stream *clntstream.ClntStream
	logger *zap.Logger

	retryInterval    time.Duration
	maxRetryInterval time.Duration

	queriesTotal    prometheus.Counter
	cacheHits       prometheus.Counter
	retriesTotal    prometheus.Counter
	reconnectsTotal prometheus.Counter

	// mu serializes queries; the cache and the stream handle are shared
	// state and the protocol allows one outstanding request per stream.
	mu sync.Mutex

	// One-entry cache: the verbatim input and output of the most recent
	// successful query. Batches of identical recipients are common, a
	// deeper cache is not worth the coherence hassle.
	lastAddr  string
	lastReply Reply
	haveLast  bool
}

func NewClient(stream *clntstream.ClntStream, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	c := &Client{
		stream:           stream,
		logger:           logger,
		retryInterval:    retry,
		maxRetryInterval: opts.MaxRetryInterval,
		queriesTotal:     newCounter(opts.MetricsReg, "resolve_queries_total", "Total number of resolve queries."),
		cacheHits:        newCounter(opts.MetricsReg, "resolve_cache_hits_total", "Queries answered from the one-entry cache."),
		retriesTotal:     newCounter(opts.MetricsReg, "resolve_retries_total", "Round trips that failed and were retried."),
		reconnectsTotal:  newCounter(opts.MetricsReg, "resolve_reconnects_total", "Connection recoveries forced by failed round trips."),
	}
	return c
}

// Query resolves addr into reply. It blocks until the daemon returns a
// valid answer or ctx is canceled; transient failures are retried forever.
// FlagFail and FlagError in the reply are data for the caller, not errors.
func (c *Client) Query(ctx context.Context, addr string, reply *Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queriesTotal.Inc()

	// Peek at the cache. An empty address never matches.
	if len(addr) > 0 && c.haveLast && addr == c.lastAddr {
		*reply = c.lastReply
		c.cacheHits.Inc()
		c.logger.Debug("cached",
			zap.String("address", addr),
			zap.String("transport", reply.Transport),
			zap.String("nexthop", reply.Nexthop),
			zap.String("recipient", reply.Recipient))
		return nil
	}

	// Keep trying until we get a complete response. The resolve service
	// is CPU bound; going asynchronous here would only complicate things.
	backoff := c.retryInterval
	for {
		err := c.exchange(ctx, addr, reply)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.retriesTotal.Inc()
		c.warn(addr, err)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = c.nextBackoff(backoff)
		c.reconnectsTotal.Inc()
		c.stream.Recover()
	}

	c.logger.Debug("resolved",
		zap.String("address", addr),
		zap.String("transport", reply.Transport),
		zap.String("nexthop", reply.Nexthop),
		zap.String("recipient", reply.Recipient))

	// Update the cache. The reply passed validation, and Reply holds its
	// strings by value, so the cache shares no storage with the caller.
	c.lastAddr = addr
	c.lastReply = *reply
	c.haveLast = true
	return nil
}

var (
	errNullTransport = errors.New("null transport result")
	errNullRecipient = errors.New("null recipient result")
)

// exchange performs one round trip: request out, strict reply in, validate.
func (c *Client) exchange(ctx context.Context, addr string, reply *Reply) error {
	s, err := c.stream.Access(ctx)
	if err != nil {
		return fmt.Errorf("access: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
		defer s.SetDeadline(time.Time{})
	}

	if err := attrio.Print(s.W,
		attrio.String(mailproto.AttrRequest, mailproto.ReqResolve),
		attrio.String(mailproto.AttrAddress, addr),
	); err != nil {
		return fmt.Errorf("bad write: %w", err)
	}

	var flags uint32
	if err := attrio.Scan(s.R,
		attrio.WantString(mailproto.AttrTransport, &reply.Transport),
		attrio.WantString(mailproto.AttrNexthop, &reply.Nexthop),
		attrio.WantString(mailproto.AttrRecipient, &reply.Recipient),
		attrio.WantNumber(mailproto.AttrFlags, &flags),
	); err != nil {
		return fmt.Errorf("bad read: %w", err)
	}
	reply.Flags = Flags(flags)

	if len(reply.Transport) == 0 {
		return errNullTransport
	}
	if len(reply.Recipient) == 0 && len(addr) > 0 {
		return errNullRecipient
	}
	return nil
}

// warn logs a failed round trip. The expected end-of-connection errors
// only show at debug level.
func (c *Client) warn(addr string, err error) {
	if clntstream.IsExpectedDisconnect(err) {
		c.logger.Debug("resolve attempt failed", zap.String("address", addr), zap.Error(err))
		return
	}
	c.logger.Warn("resolve attempt failed", zap.String("address", addr), zap.Error(err))
}

func (c *Client) nextBackoff(cur time.Duration) time.Duration {
	max := c.maxRetryInterval
	if max <= c.retryInterval {
		return c.retryInterval
	}
	next := cur * 2
	if next > max {
		next = max
	}
	// Up to 25% jitter, subtracted so the cap holds.
	return next - time.Duration(rand.Int64N(int64(next/4)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newCounter(reg prometheus.Registerer, name, help string) prometheus.Counter {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if reg != nil {
		reg.MustRegister(counter)
	}
	return counter
}
