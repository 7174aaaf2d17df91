// Command weathergw is the CLI/daemon wrapper around the worker (server)
// and cluster client (client) halves of the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/audit"
	"github.com/kenchrcum/weathergw/internal/cacheindex"
	"github.com/kenchrcum/weathergw/internal/cachemaint"
	"github.com/kenchrcum/weathergw/internal/cluster"
	"github.com/kenchrcum/weathergw/internal/config"
	"github.com/kenchrcum/weathergw/internal/debug"
	"github.com/kenchrcum/weathergw/internal/extractor"
	"github.com/kenchrcum/weathergw/internal/httpengine"
	"github.com/kenchrcum/weathergw/internal/metrics"
	"github.com/kenchrcum/weathergw/internal/middleware"
	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/shareresolve"
	"github.com/kenchrcum/weathergw/internal/wireproto"
	"github.com/kenchrcum/weathergw/internal/wsengine"
)

// daemonizeEnvVar marks a re-executed child so it doesn't try to
// daemonize itself a second time.
const daemonizeEnvVar = "WEATHERGW_DAEMONIZED"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "weathergw:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: weathergw <client|server> [flags]")
}

// runServer implements the "server" subcommand.
func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	executable := fs.String("mars-executable", "mars", "path to the extractor binary")
	host := fs.String("host", "0.0.0.0", "address to bind")
	port := fs.Int("port", 8080, "port to bind")
	timeout := fs.Duration("timeout", httpengine.DefaultWriteTimeout, "per-write alarm timeout")
	logdir := fs.String("logdir", "/var/log/weathergw", "directory for per-uid extractor logs")
	pidfile := fs.String("pidfile", "", "write the server pid to this path")
	daemonize := fs.Bool("daemonize", false, "fork-detach into the background")
	logLevel := fs.String("log-level", "info", "logrus level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *daemonize && os.Getenv(daemonizeEnvVar) == "" {
		return forkDetach(*pidfile)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	debug.InitFromLogLevel(*logLevel)

	watcher, err := config.NewWatcher(config.ResolvePath(), log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	if *pidfile != "" {
		if err := writePIDFile(*pidfile, os.Getpid()); err != nil {
			return err
		}
		defer os.Remove(*pidfile)
	}

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}

	idx, err := cacheindex.NewRedisIndex(cfg.Memcached)
	if err != nil {
		return fmt.Errorf("init cache index: %w", err)
	}

	drv, err := extractor.NewDriver(*executable, *logdir, log)
	if err != nil {
		return fmt.Errorf("init extractor driver: %w", err)
	}

	nodename, _ := os.Hostname()

	handler := httpengine.NewHandler(nodename, cfg.CacheRoot, cfg.Shares, cfg.CacheFolder, *logdir, idx, drv, log, m, auditLogger)
	handler.WriteTimeout = *timeout

	wsEngine := wsengine.NewEngine(drv, log, m)

	maintainer := &cachemaint.Maintainer{
		CacheRoot:   cfg.CacheRoot,
		Shares:      cfg.Shares,
		CacheFolder: cfg.CacheFolder,
		Index:       idx,
		Log:         log,
		Metrics:     m,
		Audit:       auditLogger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go maintainer.RunEvery(ctx, 5*time.Minute)

	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(log))
	r.Use(middleware.LoggingMiddleware(log))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()
			next.ServeHTTP(w, req)
		})
	})
	// Registered ahead of handler.RegisterRoutes's catch-all "/{uid}" so
	// these fixed paths aren't swallowed by the uid route.
	r.Handle("/ws", wsEngine)
	r.Handle("/metrics", m.Handler())
	r.HandleFunc("/healthz", metrics.HealthHandler())
	r.HandleFunc("/readyz", metrics.ReadinessHandler(idx.Ping))
	r.HandleFunc("/livez", metrics.LivenessHandler())
	handler.RegisterRoutes(r)

	addr := *host + ":" + strconv.Itoa(*port)
	srv := &http.Server{Addr: addr, Handler: r}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("weathergw: shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{"addr": addr, "host": nodename, "shares": cfg.Shares}).Info("weathergw: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// forkDetach daemonizes via a standard double-fork-with-setsid equivalent:
// Go cannot safely fork a multi-threaded runtime, so instead this
// re-execs the current binary (with the daemonizeEnvVar marker set)
// detached from the controlling terminal via Setsid, then exits the
// parent immediately.
func forkDetach(pidfile string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemonize: resolve executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	attr := &os.ProcAttr{
		Env:   append(os.Environ(), daemonizeEnvVar+"=1"),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		return fmt.Errorf("daemonize: start detached process: %w", err)
	}

	if pidfile != "" {
		if err := writePIDFile(pidfile, proc.Pid); err != nil {
			return err
		}
	}

	return proc.Release()
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// runClient implements the "client" subcommand.
func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	target := fs.String("target", "", "destination path for the retrieved artifact")
	uid := fs.String("uid", "", "reuse this uid instead of letting the worker assign one")
	serverList := fs.String("server-list", "", "comma-separated list of worker base URLs")
	reqType := fs.String("type", string(wireproto.TypeFile), "transport: file or pipe")
	retries := fs.Int("retries", cluster.DefaultRetries, "per-host retry count")
	retryDelay := fs.Duration("retry-delay", cluster.DefaultRetryDelay, "delay between same-host retries")
	timeout := fs.Duration("timeout", 60*time.Second, "overall HTTP client timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: weathergw client <request-file> --target T [--uid U] [--server-list S]")
	}
	if *target == "" {
		return fmt.Errorf("--target is required")
	}

	requests, err := loadRequestFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("load request file: %w", err)
	}

	var urls []string
	if *serverList != "" {
		urls = strings.Split(*serverList, ",")
	} else {
		cfg, err := config.Load(config.ResolvePath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		urls = cfg.DownloadServers
	}
	if len(urls) == 0 {
		return fmt.Errorf("no worker URLs configured (pass --server-list or set DOWNLOAD_SERVERS)")
	}

	cfg, _ := config.Load(config.ResolvePath())

	log := logrus.New()

	c := &cluster.Cluster{
		URLs:       urls,
		Retries:    *retries,
		RetryDelay: *retryDelay,
		HTTPClient: &http.Client{Timeout: *timeout},
		Shares:     cfg.Shares,
		Resolver: &shareresolve.Resolver{
			LocalCacheRoot:  cfg.CacheRoot,
			DownloadServers: cfg.DownloadServers,
			WorkerCacheRoot: cfg.CacheRoot,
			CacheFolder:     cfg.CacheFolder,
		},
		Log: log,
	}

	environ := map[string]string{}
	if *uid != "" {
		environ["request_id"] = *uid
	}

	ctx := context.Background()
	if len(requests) == 1 {
		result := c.Submit(ctx, requests[0], environ, wireproto.RequestType(*reqType), *target)
		if result.Err != nil {
			return fmt.Errorf("%s: %w", result.Message, result.Err)
		}
		fmt.Println("weathergw: retrieval complete:", *target)
		return nil
	}

	batch := c.SubmitBatch(ctx, requests, environ, wireproto.RequestType(*reqType), *target)
	if batch.Err != nil {
		return fmt.Errorf("%s: %w", batch.Message, batch.Err)
	}
	fmt.Println("weathergw: batched retrieval complete:", *target)
	return nil
}

// loadRequestFile parses a request-script text file into one or more
// requests. Each RETRIEVE block (KEY=VALUE, lines) becomes one
// model.Request; multiple blocks form a batch.
func loadRequestFile(path string) ([]model.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var requests []model.Request
	var current model.Request

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSuffix(line, ",")
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "RETRIEVE") {
			if current != nil {
				requests = append(requests, current)
			}
			current = model.Request{}
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 || current == nil {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.Trim(strings.TrimSpace(kv[1]), `'"`)
		current[key] = value
	}
	if current != nil {
		requests = append(requests, current)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("no RETRIEVE blocks found in %s", path)
	}
	return requests, nil
}
