package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgvictoria/pgvictoria/internal/admin"
	"github.com/pgvictoria/pgvictoria/internal/config"
	"github.com/pgvictoria/pgvictoria/internal/health"
	"github.com/pgvictoria/pgvictoria/internal/logging"
	"github.com/pgvictoria/pgvictoria/internal/metrics"
	"github.com/pgvictoria/pgvictoria/internal/replication"
	"github.com/pgvictoria/pgvictoria/internal/userstore"
)

const (
	defaultMainConfig  = "/etc/pgvictoria/pgvictoria.conf"
	defaultUsersConfig = "/etc/pgvictoria/pgvictoria_users.conf"
	defaultAdminBind   = "127.0.0.1:9432"

	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = 5 * time.Second
	healthFailThreshold = 3
)

func main() {
	os.Exit(run())
}

// run wires the process together and blocks until a terminating signal
// arrives, returning the process exit code: 0 on clean shutdown, 1 on
// any initialization failure.
func run() int {
	var (
		mainPath  = flag.String("c", "", "path to the main configuration file")
		usersPath = flag.String("u", "", "path to the users configuration file")
		configDir = flag.String("D", "", "configuration directory (overrides PGVICTORIA_CONFIG_DIR)")
		version   = flag.Bool("V", false, "print version and exit")
		help      = flag.Bool("?", false, "print usage and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("pgvictoria (development build)")
		return 0
	}
	if *help {
		flag.Usage()
		return 0
	}

	if os.Getuid() == 0 {
		fmt.Fprintln(os.Stderr, "pgvictoria: refusing to run as root")
		return 1
	}

	dir := *configDir
	if dir == "" {
		dir = os.Getenv("PGVICTORIA_CONFIG_DIR")
	}
	resolvedMain := resolvePath(*mainPath, dir, defaultMainConfig)
	resolvedUsers := resolvePath(*usersPath, dir, defaultUsersConfig)

	m, err := config.Load(resolvedMain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgvictoria: loading %s: %v\n", resolvedMain, err)
		return 1
	}
	m.UsersConfigPath = resolvedUsers

	keyProvider := userstore.StaticKeyProvider{Key: []byte(os.Getenv("PGVICTORIA_MASTER_KEY"))}
	loadUsers := func(path string) ([]config.User, error) {
		return userstore.Load(path, keyProvider)
	}
	users, err := loadUsers(resolvedUsers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgvictoria: loading %s: %v\n", resolvedUsers, err)
		return 1
	}
	m.Users = users
	if err := config.ValidateUsers(m); err != nil {
		fmt.Fprintf(os.Stderr, "pgvictoria: %v\n", err)
		return 1
	}

	logger, logCloser, err := logging.New(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgvictoria: building logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	pidPath := m.PIDFile
	if pidPath != "" {
		if err := writePIDFile(pidPath); err != nil {
			logger.Error("pid file", "path", pidPath, "err", err)
			return 1
		}
		defer os.Remove(pidPath)
	}

	logger.Info("starting", "config", resolvedMain, "users", resolvedUsers, "servers", len(m.Servers))

	store := config.NewStore(m)
	store.SetUsersSource(resolvedUsers, loadUsers)
	metricsCollector := metrics.New()
	checker := health.NewChecker(store, metricsCollector, logger, healthCheckInterval, healthCheckTimeout, healthFailThreshold)
	checker.Start()

	var supervisors []*replication.Supervisor
	for _, srv := range m.Servers {
		if srv.Primary {
			continue
		}
		sup := replication.New(srv, store, metricsCollector, logger, replication.Options{})
		sup.Start()
		supervisors = append(supervisors, sup)
	}

	store.OnLogRestart(func() {
		logger.Warn("log configuration changed, restart the process to apply it")
	})

	adminServer := admin.New(store, checker, metricsCollector, logger, defaultAdminBind)
	if err := adminServer.Start(); err != nil {
		logger.Error("admin server", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(resolvedMain, resolvedUsers, store, logger, nil)
	if err != nil {
		logger.Warn("config hot-reload not available", "err", err)
	}

	logger.Info("ready", "admin", defaultAdminBind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading configuration")
			if watcher != nil {
				watcher.ReloadNow()
			}
			continue
		}
		logger.Info("received signal, shutting down", "signal", sig.String())
		break
	}

	if watcher != nil {
		watcher.Stop()
	}
	if err := adminServer.Stop(); err != nil {
		logger.Warn("admin server shutdown", "err", err)
	}
	for _, sup := range supervisors {
		sup.Stop()
	}
	checker.Stop()

	logger.Info("stopped")
	return 0
}

// resolvePath picks the effective path for a config file: an explicit flag
// wins, then dir joined with base's file name, then base itself.
func resolvePath(flagVal, dir, base string) string {
	if flagVal != "" {
		return flagVal
	}
	if dir != "" {
		return dir + "/" + baseName(base)
	}
	return base
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// writePIDFile creates path exclusively, mode 0644, and writes the current
// pid. A pre-existing PID file is fatal.
func writePIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREAT|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}
