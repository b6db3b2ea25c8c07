package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/api"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/engine"
	"github.com/flasharr/flasharr/internal/events"
	"github.com/flasharr/flasharr/internal/hostclient/httpclient"
	"github.com/flasharr/flasharr/internal/logging"
	"github.com/flasharr/flasharr/internal/taskstore"
)

var (
	flagConfigPath string
	flagListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Flasharr daemon in the foreground",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&flagConfigPath, "config", "", "path to flasharr.json (default: <state-dir>/flasharr.json)")
	serveCmd.Flags().StringVar(&flagListenAddr, "listen", "", "override the configured listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFlag()
	if err != nil {
		return err
	}
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	log := logging.For("flasharrd")

	lock, err := acquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	store, err := taskstore.Open(filepath.Join(cfg.StateDir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer store.Close()

	pool, err := account.Open(filepath.Join(cfg.StateDir, "accounts.db"))
	if err != nil {
		return fmt.Errorf("opening account pool: %w", err)
	}
	defer pool.Close()

	host, err := httpclient.New(httpclient.Options{
		BaseURL:        cfg.HostBaseURL,
		UserAgent:      cfg.UserAgent,
		ProxyURL:       cfg.ProxyURL,
		SkipTLSVerify:  cfg.SkipTLSVerify,
		ConnectTimeout: cfg.ConnectTimeout,
		ResolvePath:    cfg.HostResolvePath,
		LoginPath:      cfg.HostLoginPath,
		RefreshPath:    cfg.HostRefreshPath,
	})
	if err != nil {
		return fmt.Errorf("building host client: %w", err)
	}

	bus := events.New(cfg.EventSubscriberRingSize)
	eng := engine.New(store, pool, bus, host, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	srv := api.New(eng, cfg.APIToken)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Handler()}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func loadConfigFlag() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		def := config.DefaultConfig()
		path = config.Path(def.StateDir)
	}
	return config.Load(path)
}
