package rewrite

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mxpipe/resolvex/pkg/attrio"
	"github.com/mxpipe/resolvex/pkg/clntstream"
	"github.com/mxpipe/resolvex/pkg/mailproto"
	"github.com/mxpipe/resolvex/pkg/resolve"
)

// stubDaemon answers both rewrite and resolve requests on one socket, the
// way the real trivial-rewrite style daemon does.
type stubDaemon struct {
	ln       net.Listener
	domain   string
	requests atomic.Int32
	dropNext atomic.Bool
}

func newStubDaemon(t *testing.T, domain string) *stubDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &stubDaemon{ln: ln, domain: domain}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go d.handle(conn)
		}
	}()
	return d
}

func (d *stubDaemon) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		attrs, err := readFrame(r)
		if err != nil {
			return
		}
		d.requests.Add(1)
		if d.dropNext.CompareAndSwap(true, false) {
			return
		}
		switch attrs[mailproto.AttrRequest] {
		case mailproto.ReqRewrite:
			addr := attrs[mailproto.AttrAddress]
			if !strings.Contains(addr, "@") {
				addr = addr + "@" + d.domain
			}
			attrio.Print(w,
				attrio.Number(mailproto.AttrFlags, 0),
				attrio.String(mailproto.AttrAddress, addr),
			)
		case mailproto.ReqResolve:
			attrio.Print(w,
				attrio.String(mailproto.AttrTransport, "smtp"),
				attrio.String(mailproto.AttrNexthop, d.domain),
				attrio.String(mailproto.AttrRecipient, attrs[mailproto.AttrAddress]),
				attrio.Number(mailproto.AttrFlags, uint32(resolve.ClassDefault)),
			)
		default:
			return
		}
	}
}

func readFrame(r *bufio.Reader) (map[string]string, error) {
	attrs := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			return attrs, nil
		}
		name, value, _ := strings.Cut(line, "=")
		attrs[name] = value
	}
}

func newStream(t *testing.T, d *stubDaemon, dials *atomic.Int32) *clntstream.ClntStream {
	t.Helper()
	cs := clntstream.New(func(ctx context.Context) (net.Conn, error) {
		if dials != nil {
			dials.Add(1)
		}
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", d.ln.Addr().String())
	}, clntstream.Options{})
	t.Cleanup(func() { cs.Close() })
	return cs
}

func TestRewrite(t *testing.T) {
	d := newStubDaemon(t, "example.com")
	c := NewClient(newStream(t, d, nil), Options{RetryInterval: time.Millisecond})

	got, err := c.Rewrite(context.Background(), mailproto.RuleLocal, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got)

	got, err = c.Rewrite(context.Background(), mailproto.RuleRemote, "bob@other.net")
	require.NoError(t, err)
	assert.Equal(t, "bob@other.net", got)
}

func TestRewriteCachePerRuleAndAddress(t *testing.T) {
	d := newStubDaemon(t, "example.com")
	c := NewClient(newStream(t, d, nil), Options{RetryInterval: time.Millisecond})

	_, err := c.Rewrite(context.Background(), mailproto.RuleLocal, "alice")
	require.NoError(t, err)
	_, err = c.Rewrite(context.Background(), mailproto.RuleLocal, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), d.requests.Load())

	// Same address under another rule is a different question.
	_, err = c.Rewrite(context.Background(), mailproto.RuleRemote, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(2), d.requests.Load())
}

// A peer closing the connection is routine and must not raise the log
// level above debug.
func TestRewriteLogsExpectedDisconnectAtDebug(t *testing.T) {
	d := newStubDaemon(t, "example.com")
	core, logs := observer.New(zap.DebugLevel)
	c := NewClient(newStream(t, d, nil), Options{
		Logger:        zap.New(core),
		RetryInterval: time.Millisecond,
	})

	d.dropNext.Store(true)
	got, err := c.Rewrite(context.Background(), mailproto.RuleLocal, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got)

	entries := logs.FilterMessage("rewrite attempt failed").All()
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, zap.DebugLevel, entry.Level, entry.Message)
	}
}

// One stream shared between the resolver and rewrite clients must cost a
// single connection.
func TestSharedStreamWithResolveClient(t *testing.T) {
	d := newStubDaemon(t, "example.com")
	var dials atomic.Int32
	cs := newStream(t, d, &dials)

	rw := NewClient(cs, Options{RetryInterval: time.Millisecond})
	rc := resolve.NewClient(cs, resolve.Options{RetryInterval: time.Millisecond})

	got, err := rw.Rewrite(context.Background(), mailproto.RuleLocal, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got)

	var reply resolve.Reply
	require.NoError(t, rc.Query(context.Background(), got, &reply))
	assert.Equal(t, "smtp", reply.Transport)
	assert.Equal(t, "example.com", reply.Nexthop)
	assert.Equal(t, "alice@example.com", reply.Recipient)
	assert.Equal(t, resolve.ClassDefault, reply.Flags)

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, int32(2), d.requests.Load())
}
