// Command microsandbox runs the self-hosted sandbox server, or administers
// a running one, depending on the subcommand given. The surface mirrors
// `server start|stop|keygen|status`, matching the scripts that already shell
// out to it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/radiumce/microsandbox/internal/auth"
	"github.com/radiumce/microsandbox/internal/config"
	"github.com/radiumce/microsandbox/internal/janitor"
	"github.com/radiumce/microsandbox/internal/ledger"
	"github.com/radiumce/microsandbox/internal/nsstore"
	"github.com/radiumce/microsandbox/internal/portalloc"
	"github.com/radiumce/microsandbox/internal/rpcserver"
	"github.com/radiumce/microsandbox/internal/runtime"
	"github.com/radiumce/microsandbox/internal/sandbox"
	"github.com/radiumce/microsandbox/internal/session"
	"github.com/radiumce/microsandbox/internal/vmrunner"
)

// Exit codes per the documented CLI contract.
const (
	exitOK                = 0
	exitError             = 1
	exitMisuse            = 2
	exitAuthFailure       = 3
	exitResourceExhausted = 4
	exitNotFound          = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitMisuse
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage()
		return exitOK
	}
	if args[0] != "server" {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitMisuse
	}
	if len(args) < 2 {
		usage()
		return exitMisuse
	}

	switch args[1] {
	case "start":
		return cmdStart(args[2:])
	case "stop":
		return cmdStop(args[2:])
	case "keygen":
		return cmdKeygen(args[2:])
	case "status":
		return cmdStatus(args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[1])
		usage()
		return exitMisuse
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: microsandbox server <command> [flags]

commands:
  start    [--port] [--path] [--dev] [--key] [--detach] [--reset-key]
           run the server, in the foreground unless -detach is given
  stop     [--path]
           signal a detached server to shut down
  keygen   [--expire] [--namespace]
           issue a bearer token scoped to a namespace
  status   [--sandbox] [names...] [-n namespace]
           query a running server's sandboxes over its RPC endpoint

environment:
  MSB_SERVER_URL   base URL used by "status" (default http://127.0.0.1:<port>)
  MSB_API_KEY      bearer token used by "status"`)
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("server start", flag.ContinueOnError)
	path := fs.String("path", defaultRoot(), "root namespace-store directory")
	port := fs.Int("port", 0, "RPC listener port (0 = use server.yaml / default)")
	dev := fs.Bool("dev", false, "disable auth entirely for local iteration")
	key := fs.String("key", "", "pin this value as the wildcard admin bearer token")
	detach := fs.Bool("detach", false, "daemonize after startup")
	resetKey := fs.Bool("reset-key", false, "regenerate the wildcard admin token before starting")
	if err := fs.Parse(args); err != nil {
		return exitMisuse
	}

	cfg, err := config.Load(filepath.Join(*path, "server.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitError
	}
	cfg.Root = *path
	if *port != 0 {
		cfg.Port = *port
	}

	if *detach {
		if detachSelf() {
			return exitOK
		}
		return exitError
	}

	pidPath := pidFilePath(*path)
	_ = os.MkdirAll(filepath.Dir(pidPath), 0o755)
	_ = os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
	defer os.Remove(pidPath)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	keystore, err := resolveKeystore(cfg, *dev, *key, *resetKey, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "keystore: %v\n", err)
		return exitError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg, keystore, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		return exitError
	}
	return exitOK
}

// resolveKeystore implements --dev, --reset-key, and --key: --dev bypasses
// the keystore file entirely (every request authorizes as wildcard scope);
// otherwise the on-disk keystore is loaded, --reset-key wipes it (printing a
// freshly minted wildcard admin token unless --key supplies one to pin), and
// --key seeds a caller-chosen admin token when no reset happened.
func resolveKeystore(cfg *config.ServerConfig, dev bool, key string, resetKey bool, logger *slog.Logger) (*auth.Keystore, error) {
	if dev {
		logger.Warn("--dev: auth is disabled, every request is treated as wildcard-scoped")
		return auth.NewDev(), nil
	}

	ks, err := auth.Load(filepath.Join(cfg.Root, "keystore.json"))
	if err != nil {
		return nil, err
	}

	if resetKey {
		if err := ks.ResetKey(); err != nil {
			return nil, fmt.Errorf("reset key: %w", err)
		}
		logger.Warn("--reset-key: every previously issued token is now invalid")
	}

	switch {
	case key != "":
		if _, err := ks.SeedToken(key, "*", 0); err != nil {
			return nil, fmt.Errorf("seed admin token: %w", err)
		}
	case resetKey:
		token, _, err := ks.IssueToken("*", 0)
		if err != nil {
			return nil, fmt.Errorf("issue admin token: %w", err)
		}
		fmt.Printf("new wildcard admin token: %s\n", token)
	}
	return ks, nil
}

// serve wires every component in composition order (namespace store -> port
// allocator -> resource ledger -> VM backend -> sandbox supervisor ->
// session manager -> orphan reaper -> RPC server -> background runtime) and
// blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.ServerConfig, keystore *auth.Keystore, logger *slog.Logger) error {
	store, err := nsstore.New(cfg.Root)
	if err != nil {
		return fmt.Errorf("init namespace store: %w", err)
	}

	ports, err := portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return fmt.Errorf("init port allocator: %w", err)
	}

	led := ledger.New(ledger.Caps{
		MaxSessions:       cfg.MaxSessions,
		MaxTotalMemoryMiB: cfg.MaxTotalMemoryMiB,
		MaxTotalCPUs:      cfg.MaxTotalCPUs,
	})

	backend, err := vmrunner.NewQEMUBackend(cfg.QEMUBinary, logger)
	if err != nil {
		logger.Warn("qemu backend unavailable, running with an in-memory fake backend", "error", err)
	}
	var vmBackend vmrunner.Backend
	if backend != nil {
		vmBackend = backend
	} else {
		vmBackend = vmrunner.NewFake()
	}

	recoverVMs(store, vmBackend, logger)

	sup := sandbox.New(store, ports, vmBackend, filepath.Join(cfg.Root, "kernel", "vmlinux"), cfg.SandboxStartTimeout)
	sessions := session.New(sup, led, cfg.EnableLRUEviction, cfg.SessionTimeout)

	reconciler := sandbox.NewReconciler(sup, vmBackend)
	jan := janitor.New(reconciler, reconciler.DestroyOrphan, cfg.OrphanGrace, logger)

	srv := rpcserver.New(sup, sessions, keystore, store, logger)

	rt := runtime.New(runtime.Config{
		CleanupInterval:       cfg.CleanupInterval,
		OrphanCleanupInterval: cfg.OrphanCleanupInterval,
		LedgerSampleInterval:  30 * time.Second,
		ShutdownTimeout:       30 * time.Second,
	}, sessions, jan, led, logger)
	rt.Start(ctx)
	defer rt.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ready", "port", cfg.Port, "root", cfg.Root)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		rt.Stop()
		rt.TeardownSessions(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// recoverer is implemented by backends (QEMUBackend) that can reattach to a
// VM left running across a daemon restart by reading its pidfile back off
// disk. Backends that can't (the in-memory fake) are skipped.
type recoverer interface {
	RecoverState(sandboxID, logDir string)
}

// recoverVMs reattaches the backend to every sandbox recorded on disk
// before the janitor starts, mirroring the teacher's own boot sequence
// (sandbox-host calls vmMgr.RecoverState(ctx) before its reconcile loop).
// Without this, backend.List() comes back empty after every restart and
// the orphan reaper can never see (or clean up) VMs that outlived the
// supervisor's in-memory registry.
func recoverVMs(store *nsstore.Store, backend vmrunner.Backend, logger *slog.Logger) {
	rec, ok := backend.(recoverer)
	if !ok {
		return
	}
	namespaces, err := store.Namespaces()
	if err != nil {
		logger.Warn("vm recovery: list namespaces", "error", err)
		return
	}
	for _, ns := range namespaces {
		names, err := store.List(ns)
		if err != nil {
			logger.Warn("vm recovery: list sandboxes", "namespace", ns, "error", err)
			continue
		}
		for _, name := range names {
			sandboxID := ns + "/" + name
			logDir := store.SandboxDir(ns, name) + "/log"
			rec.RecoverState(sandboxID, logDir)
		}
	}
}

func cmdStop(args []string) int {
	fs := flag.NewFlagSet("server stop", flag.ContinueOnError)
	path := fs.String("path", defaultRoot(), "root namespace-store directory")
	if err := fs.Parse(args); err != nil {
		return exitMisuse
	}

	pidPath := pidFilePath(*path)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no running server found at %s\n", pidPath)
		return exitNotFound
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		fmt.Fprintf(os.Stderr, "malformed pidfile %s\n", pidPath)
		return exitError
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return exitError
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "signal pid %d: %v\n", pid, err)
		return exitError
	}
	_ = os.Remove(pidPath)
	return exitOK
}

func cmdKeygen(args []string) int {
	fs := flag.NewFlagSet("server keygen", flag.ContinueOnError)
	path := fs.String("path", defaultRoot(), "root namespace-store directory")
	namespace := fs.String("namespace", "default", "namespace to scope the token to (* for every namespace)")
	expire := fs.Duration("expire", 0, "token lifetime, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		return exitMisuse
	}

	keystore, err := auth.Load(filepath.Join(*path, "keystore.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load keystore: %v\n", err)
		return exitError
	}

	token, id, err := keystore.IssueToken(*namespace, *expire)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return exitError
	}
	fmt.Printf("token:     %s\nid:        %s\nnamespace: %s\n", token, id, *namespace)
	return exitOK
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("server status", flag.ContinueOnError)
	path := fs.String("path", defaultRoot(), "root namespace-store directory (used to find the default port)")
	sandboxName := fs.String("sandbox", "", "limit the query to a single sandbox")
	namespace := fs.String("n", "", "namespace to query (default: every namespace the token can see)")
	if err := fs.Parse(args); err != nil {
		return exitMisuse
	}
	names := fs.Args()
	if *sandboxName != "" {
		names = append([]string{*sandboxName}, names...)
	}
	ns := *namespace
	if ns == "" {
		ns = "*"
	}

	serverURL := os.Getenv("MSB_SERVER_URL")
	if serverURL == "" {
		cfg, err := config.Load(filepath.Join(*path, "server.yaml"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return exitError
		}
		serverURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	token := os.Getenv("MSB_API_KEY")
	if token == "" {
		fmt.Fprintln(os.Stderr, "MSB_API_KEY must be set to query a running server")
		return exitAuthFailure
	}

	entries, err := queryStatus(serverURL, token, ns, names)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		if rerr, ok := err.(*rpcClientError); ok {
			switch rerr.Code {
			case -32002:
				return exitAuthFailure
			case -32003:
				return exitNotFound
			}
		}
		return exitError
	}
	printStatusTable(entries)
	return exitOK
}

func defaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".msb")
}

func pidFilePath(root string) string {
	return filepath.Join(root, "microsandbox.pid")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
