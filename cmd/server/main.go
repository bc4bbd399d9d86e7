// Command server runs the OpenAI-compatible gateway in front of the
// enterprise Gemini assist service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/BizGeminiAPI/internal/account"
	"github.com/router-for-me/BizGeminiAPI/internal/api"
	"github.com/router-for-me/BizGeminiAPI/internal/chat"
	"github.com/router-for-me/BizGeminiAPI/internal/config"
	"github.com/router-for-me/BizGeminiAPI/internal/logging"
	"github.com/router-for-me/BizGeminiAPI/internal/media"
	"github.com/router-for-me/BizGeminiAPI/internal/upstream"
	"github.com/router-for-me/BizGeminiAPI/internal/watcher"
)

// refreshLogger is the default cookie-expiry hook. The actual browser-based
// refresh runs as an external collaborator; this just surfaces the event.
type refreshLogger struct{}

func (refreshLogger) CookieExpired(accountID string) {
	log.Warnf("account %s cookies expired, refresh required", accountID)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path of the YAML config file")
	flag.Parse()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	logging.SetLogLevel(cfg.Debug)
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Errorf("configure log output failed: %v", err)
	}

	store := account.NewStore(cfg.AccountsFile)
	rows, err := store.Load()
	if err != nil {
		log.Fatalf("load accounts failed: %v", err)
	}
	if len(rows) == 0 {
		log.Warnf("no accounts configured in %s", cfg.AccountsFile)
	}

	poolOpts := []account.Option{account.WithPersist(store.Save)}
	if cfg.AutoRefreshCookie {
		poolOpts = append(poolOpts, account.WithNotifier(refreshLogger{}))
	}
	pool := account.NewPool(rows, poolOpts...)

	cache, err := media.NewCache(cfg.MediaCacheDir)
	if err != nil {
		log.Fatalf("create media cache failed: %v", err)
	}
	cache.StartSweeper()
	defer cache.Stop()

	client := upstream.NewClient(cfg, pool)
	relay := media.NewRelay(cfg, cache)
	orch := chat.NewOrchestrator(cfg, pool, client, relay)
	server := api.NewServer(cfg, pool, orch, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Accounts are hot-reloaded; config changes need a restart to apply.
	w := watcher.New(*configPath, store.Path(),
		func() {
			log.Warn("config file changed, restart the server to apply")
		},
		func() {
			reloaded, errLoad := store.Load()
			if errLoad != nil {
				log.Errorf("reload accounts failed: %v", errLoad)
				return
			}
			pool.Replace(reloaded)
			total, available := pool.Counts()
			log.Infof("accounts reloaded: %d total, %d available", total, available)
		})
	if err = w.Start(ctx); err != nil {
		log.Errorf("start file watcher failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err = <-errCh:
		if err != nil {
			log.Fatalf("server stopped: %v", err)
		}
	}
}
