package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"github.com/valyala/fasthttp/pprofhandler"
	"github.com/vkcom/engine-go/srvfunc"

	"github.com/vkcom/chproxy/core/clickhouse"
	"github.com/vkcom/chproxy/core/ingress"
	"github.com/vkcom/chproxy/core/inmem"
	"github.com/vkcom/chproxy/core/logging"
)

const (
	serverReadTimeout = 30 * time.Second
	serverIdleTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var (
	// Build* can be filled in during build using go build -ldflags
	BuildTime    string
	BuildOSUname string
	BuildCommit  string
)

func buildVersion() string {
	return fmt.Sprintf(`chproxy compiled at %s by %s after %s on %s`, BuildTime, runtime.Version(),
		BuildCommit, BuildOSUname,
	)
}

// resolveConfig merges config file and environment into cfg. Flags that were set
// explicitly in fs win over both, environment wins over the file.
func resolveConfig(fs *pflag.FlagSet, cfg *Config, cfgPath string, getenv func(string) string) error {
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgPath != "" {
		fc, err := loadFileConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}

	if err := applyEnvConfig(cfg, getenv, changed); err != nil {
		return err
	}

	return cfg.Validate()
}

// NewRootCommand creates chproxy command. Environment is read through getenv.
func NewRootCommand(getenv func(string) string) *cobra.Command {
	cfg := DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:          "chproxy",
		Short:        "Buffer small ClickHouse INSERTs in memory and send them in batches",
		Version:      buildVersion(),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveConfig(cmd.Flags(), &cfg, cfgPath, getenv); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to TOML config file")
	bindFlags(root.Flags(), &cfg)

	return root
}

// Main is actual main function for chproxy.
func Main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Could not load .env: %s\n", err)
		os.Exit(1)
	}

	if err := NewRootCommand(os.Getenv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(conf Config) (zerolog.Logger, *logging.File, error) {
	if conf.Log == "" {
		log, err := logging.New(nil, conf.LogLevel)
		return log, nil, err
	}

	f, err := logging.OpenFile(conf.Log)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	log, err := logging.New(f, conf.LogLevel)
	if err != nil {
		f.Close()
		return zerolog.Nop(), nil, err
	}
	return log, f, nil
}

func dropPrivileges(conf Config) error {
	if conf.Group != "" {
		if err := srvfunc.ChangeGroup(conf.Group); err != nil {
			return fmt.Errorf("could not change group to %s: %w", conf.Group, err)
		}
	}

	if conf.User != "" {
		if err := srvfunc.ChangeUser(conf.User); err != nil {
			return fmt.Errorf("could not change user to %s: %w", conf.User, err)
		}
	}

	return nil
}

func debugHandler() fasthttp.RequestHandler {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())

	return func(ctx *fasthttp.RequestCtx) {
		switch path := string(ctx.Path()); {
		case path == "/metrics":
			metrics(ctx)
		case strings.HasPrefix(path, "/debug/pprof"):
			pprofhandler.PprofHandler(ctx)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

func run(conf Config) error {
	log, logFile, err := newLogger(conf)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	log.Info().Str("version", buildVersion()).Interface("config", conf.masked()).Msg("starting")

	if conf.Cores > 0 {
		runtime.GOMAXPROCS(conf.Cores)
	}

	if _, err := srvfunc.SetMaxRLimitNoFile(); err != nil {
		log.Warn().Err(err).Msg("could not increase open files limit")
	}

	ch, err := clickhouse.NewClient(conf.ClickHouseURL, clickhouse.Options{
		Compress: conf.Compress,
		Timeout:  conf.UpstreamTimeout,
	})
	if err != nil {
		return err
	}

	store := inmem.NewStore(nil)
	if err := inmem.RegisterStore(prometheus.DefaultRegisterer, store); err != nil {
		return err
	}

	flusher := inmem.NewFlusher(store, ch, inmem.Config{
		MaxBatchSize:  conf.MaxBatchSize,
		MaxBatchAge:   conf.MaxBatchTime,
		SweepInterval: conf.FlushInterval,
	}, log.With().Str("component", "flusher").Logger())

	handler := ingress.NewHandler(ingress.Config{
		Credentials:  conf.BasicAuth,
		MaxBatchSize: conf.MaxBatchSize,
	}, store, flusher, log.With().Str("component", "ingress").Logger())

	srv := newServer(handler.HandleRequest, conf.MaxBodySize)

	addr := net.JoinHostPort(conf.Host, strconv.FormatUint(uint64(conf.Port), 10))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("could not listen %s: %w", addr, err)
	}

	if conf.DebugAddr != "" {
		go func() {
			if err := fasthttp.ListenAndServe(conf.DebugAddr, debugHandler()); err != nil {
				log.Error().Err(err).Str("addr", conf.DebugAddr).Msg("debug listen fail")
			}
		}()
	}

	if err := dropPrivileges(conf); err != nil {
		ln.Close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	log.Info().Str("addr", addr).Str("upstream", ch.URL()).Msg("listening")

	ctx, cancel := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		flusher.Run(ctx)
		close(sweepDone)
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for range hupCh {
			if logFile == nil {
				continue
			}
			if err := logFile.Reopen(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			log.Info().Msg("log reopened")
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(stopCh)

	select {
	case sig := <-stopCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err = <-serveErr:
		log.Error().Err(err).Msg("server stopped")
	}

	shutdown(srv, cancel, sweepDone, flusher, shutdownTimeout, log)

	return err
}

func newServer(handler fasthttp.RequestHandler, maxBodySize int) *fasthttp.Server {
	return &fasthttp.Server{
		Name:               "chproxy",
		Handler:            handler,
		MaxRequestBodySize: maxBodySize,
		ReadTimeout:        serverReadTimeout,
		IdleTimeout:        serverIdleTimeout,
		CloseOnShutdown:    true,
	}
}

// shutdown stops ingress, stops the sweep loop waiting for a sweep in progress
// and then flushes every batch left. Connections still open after timeout are
// abandoned: the forced flush runs either way.
// Returns number of batches flushed.
func shutdown(srv *fasthttp.Server, stopSweep context.CancelFunc, sweepDone <-chan struct{}, flusher *inmem.Flusher, timeout time.Duration, log zerolog.Logger) int {
	stopped := make(chan error, 1)
	go func() {
		stopped <- srv.Shutdown()
	}()

	select {
	case err := <-stopped:
		if err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("connections still open, flushing anyway")
	}

	stopSweep()
	<-sweepDone

	n := flusher.Sweep(true)
	log.Info().Int("batches", n).Msg("buffer flushed")
	return n
}
