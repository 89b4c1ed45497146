package coremain

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mxpipe/resolvex/mlog"
	"github.com/mxpipe/resolvex/pkg/clntstream"
	"github.com/mxpipe/resolvex/pkg/resolve"
	"github.com/mxpipe/resolvex/pkg/rewrite"
)

// env bundles everything a driver command needs: logger, the shared client
// stream and both clients hanging off it.
type env struct {
	logger  *zap.Logger
	stream  *clntstream.ClntStream
	resolve *resolve.Client
	rewrite *rewrite.Client

	apiServer *http.Server
}

func newEnv(df *driverFlags) (*env, error) {
	cfg, fileUsed, err := loadConfig(df.c)
	if err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if df.verbose > 0 {
		cfg.Log.Level = "debug"
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	if len(fileUsed) > 0 {
		lg.Debug("config loaded", zap.String("file", fileUsed))
	}

	rc := cfg.Resolver
	stream := clntstream.New(
		clntstream.UnixDial(rc.QueueDir, rc.ServiceClass, rc.Service),
		clntstream.Options{
			IdleLimit: rc.IdleLimit,
			TTLLimit:  rc.TTLLimit,
			Logger:    lg.Named("clntstream"),
		})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	e := &env{
		logger: lg,
		stream: stream,
		resolve: resolve.NewClient(stream, resolve.Options{
			Logger:           lg.Named("resolve"),
			MetricsReg:       prometheus.WrapRegistererWithPrefix("resolvex_", reg),
			RetryInterval:    rc.RetryInterval,
			MaxRetryInterval: rc.MaxRetryInterval,
		}),
		rewrite: rewrite.NewClient(stream, rewrite.Options{
			Logger:           lg.Named("rewrite"),
			RetryInterval:    rc.RetryInterval,
			MaxRetryInterval: rc.MaxRetryInterval,
		}),
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		e.apiServer = &http.Server{Addr: httpAddr, Handler: mux}
		go func() {
			lg.Info("starting api http server", zap.String("addr", httpAddr))
			if err := e.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Warn("api http server exited", zap.Error(err))
			}
		}()
	}
	return e, nil
}

func (e *env) close() {
	if e.apiServer != nil {
		e.apiServer.Close()
	}
	e.stream.Close()
}

func runResolve(df *driverFlags, args []string) error {
	e, err := newEnv(df)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reply resolve.Reply
	do := func(addr string) error {
		if err := e.resolve.Query(ctx, addr, &reply); err != nil {
			return fmt.Errorf("resolve %s: %w", addr, err)
		}
		printReply(os.Stdout, addr, &reply)
		return nil
	}
	return forEachAddress(os.Stdin, args, do)
}

func runRewrite(df *driverFlags, args []string) error {
	e, err := newEnv(df)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	do := func(addr string) error {
		result, err := e.rewrite.Rewrite(ctx, df.rule, addr)
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", addr, err)
		}
		fmt.Println(result)
		return nil
	}
	return forEachAddress(os.Stdin, args, do)
}

// forEachAddress applies do to each argument, or to each line read from in
// when no arguments were given.
func forEachAddress(in io.Reader, args []string, do func(string) error) error {
	if len(args) > 0 {
		for _, addr := range args {
			if err := do(addr); err != nil {
				return err
			}
		}
		return nil
	}
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := do(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func printReply(w io.Writer, addr string, reply *resolve.Reply) {
	if reply.Flags&resolve.FlagFail != 0 {
		fmt.Fprintln(w, "request failed")
		return
	}
	nexthop := reply.Nexthop
	if len(nexthop) == 0 {
		nexthop = "[none]"
	}
	fmt.Fprintf(w, "%-10s %s\n", "address", addr)
	fmt.Fprintf(w, "%-10s %s\n", "transport", reply.Transport)
	fmt.Fprintf(w, "%-10s %s\n", "nexthop", nexthop)
	fmt.Fprintf(w, "%-10s %s\n", "recipient", reply.Recipient)
	fmt.Fprintf(w, "%-10s %s\n", "flags", reply.Flags)
}
