// Package rewrite implements the client side of the address rewrite
// service. It shares the client stream with the resolver client so that
// one pipeline process spends a single descriptor on both.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mxpipe/resolvex/pkg/attrio"
	"github.com/mxpipe/resolvex/pkg/clntstream"
	"github.com/mxpipe/resolvex/pkg/mailproto"
	"github.com/mxpipe/resolvex/pkg/resolve"
)

type Options struct {
	Logger *zap.Logger

	// RetryInterval and MaxRetryInterval work as in the resolve client.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// Client rewrites addresses to internal form under a named rewriting
// context (mailproto.RuleLocal or RuleRemote).
type Client struct {
	stream *clntstream.ClntStream
	logger *zap.Logger

	retryInterval    time.Duration
	maxRetryInterval time.Duration

	mu         sync.Mutex
	lastRule   string
	lastAddr   string
	lastResult string
	haveLast   bool
}

func NewClient(stream *clntstream.ClntStream, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = resolve.DefaultRetryInterval
	}
	return &Client{
		stream:           stream,
		logger:           logger,
		retryInterval:    retry,
		maxRetryInterval: opts.MaxRetryInterval,
	}
}

var errNullResult = errors.New("null rewrite result")

// Rewrite sends one address through the rewrite service and returns the
// rewritten form. Like the resolver, it retries transient failures forever
// and returns an error only when ctx is canceled.
func (c *Client) Rewrite(ctx context.Context, rule, addr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(addr) > 0 && c.haveLast && rule == c.lastRule && addr == c.lastAddr {
		return c.lastResult, nil
	}

	var result string
	backoff := c.retryInterval
	for {
		err := c.exchange(ctx, rule, addr, &result)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.warn(rule, addr, err)
		if err := sleepCtx(ctx, backoff); err != nil {
			return "", err
		}
		if c.maxRetryInterval > backoff {
			backoff = min(backoff*2, c.maxRetryInterval)
		}
		c.stream.Recover()
	}

	c.lastRule = rule
	c.lastAddr = addr
	c.lastResult = result
	c.haveLast = true
	return result, nil
}

// warn logs a failed round trip, keeping the expected end-of-connection
// errors at debug level like the resolve client does.
func (c *Client) warn(rule, addr string, err error) {
	if clntstream.IsExpectedDisconnect(err) {
		c.logger.Debug("rewrite attempt failed",
			zap.String("rule", rule), zap.String("address", addr), zap.Error(err))
		return
	}
	c.logger.Warn("rewrite attempt failed",
		zap.String("rule", rule), zap.String("address", addr), zap.Error(err))
}

func (c *Client) exchange(ctx context.Context, rule, addr string, result *string) error {
	s, err := c.stream.Access(ctx)
	if err != nil {
		return fmt.Errorf("access: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
		defer s.SetDeadline(time.Time{})
	}

	if err := attrio.Print(s.W,
		attrio.String(mailproto.AttrRequest, mailproto.ReqRewrite),
		attrio.String(mailproto.AttrRule, rule),
		attrio.String(mailproto.AttrAddress, addr),
	); err != nil {
		return fmt.Errorf("bad write: %w", err)
	}

	var flags uint32
	if err := attrio.Scan(s.R,
		attrio.WantNumber(mailproto.AttrFlags, &flags),
		attrio.WantString(mailproto.AttrAddress, result),
	); err != nil {
		return fmt.Errorf("bad read: %w", err)
	}
	if len(*result) == 0 && len(addr) > 0 {
		return errNullResult
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
