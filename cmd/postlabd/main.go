package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/postlab/postlab/internal/config"
	"github.com/postlab/postlab/internal/history"
	historyasync "github.com/postlab/postlab/internal/history/async"
	historysqlite "github.com/postlab/postlab/internal/history/sqlite"
	"github.com/postlab/postlab/internal/httpserver"
	"github.com/postlab/postlab/internal/logging"
	"github.com/postlab/postlab/internal/metrics"
	"github.com/postlab/postlab/internal/prompt"
	"github.com/postlab/postlab/internal/provider"
	"github.com/postlab/postlab/internal/provider/loopback"
	"github.com/postlab/postlab/internal/provider/openrouter"
	"github.com/postlab/postlab/internal/session"
	"github.com/postlab/postlab/internal/simulate"
	"github.com/postlab/postlab/internal/usage"
	usagepostgres "github.com/postlab/postlab/internal/usage/postgres"
	usagesqlite "github.com/postlab/postlab/internal/usage/sqlite"
	userstoresqlite "github.com/postlab/postlab/internal/userstore/sqlite"
	"github.com/postlab/postlab/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging, mirrored to stdout for foreground runs.
	const maxLogBytes = int64(300 * 1024 * 1024)
	if strings.TrimSpace(cfg.LogFile) != "" {
		rot, err := logging.NewRotatingWriter(cfg.LogFile, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[postlabd] ")
		defer rot.Close()
	}
	log.Printf("PostLab %s starting env=%s", version.Info(), cfg.Environment)

	// Usage ledger.
	var usageStore usage.Store
	switch cfg.UsageBackend {
	case "postgres":
		usageStore, err = usagepostgres.New(cfg.UsageDSN, 10, 5)
	default:
		usageStore, err = usagesqlite.New(cfg.UsageDBPath)
	}
	if err != nil {
		log.Fatalf("open usage store: %v", err)
	}
	defer usageStore.Close()
	meter := usage.NewMeter(usageStore, log.Printf)

	// History and global counters, wrapped by the async batch writer so the
	// fire-and-forget side effects never block a response.
	var historyStore history.Store
	historyStore, err = historysqlite.New(cfg.HistoryDBPath)
	if err != nil {
		log.Fatalf("open history store: %v", err)
	}
	if cfg.HistoryAsync {
		historyStore = historyasync.New(historyStore, historyasync.Config{
			Logger: log.New(log.Writer(), "[postlabd/history] ", log.LstdFlags),
		})
	}
	defer historyStore.Close()

	userStore, err := userstoresqlite.New(cfg.UserDBPath)
	if err != nil {
		log.Fatalf("open user store: %v", err)
	}
	defer userStore.Close()

	// Prompt set with optional YAML overrides.
	prompts := prompt.Defaults()
	if cfg.PromptsFile != "" {
		prompts, err = prompt.Load(cfg.PromptsFile)
		if err != nil {
			log.Fatalf("load prompts: %v", err)
		}
		log.Printf("prompt overrides loaded from %s", cfg.PromptsFile)
	}

	// Analysis provider: OpenRouter when a key is configured, the loopback
	// provider otherwise so local runs work offline.
	var prov provider.Provider
	var chat provider.ChatProvider
	if strings.TrimSpace(cfg.OpenRouterAPIKey) != "" {
		or, err := openrouter.New(openrouter.Config{
			APIKey:         cfg.OpenRouterAPIKey,
			BaseURL:        cfg.OpenRouterBaseURL,
			PremiumModel:   cfg.PremiumModel,
			LiteModel:      cfg.LiteModel,
			Prompts:        prompts,
			RequestTimeout: cfg.RequestTimeout,
		})
		if err != nil {
			log.Fatalf("openrouter adapter init failed: %v", err)
		}
		prov, chat = or, or
	} else {
		log.Printf("no openrouter_api_key configured, serving loopback analyses")
		lb := loopback.New()
		prov, chat = lb, lb
	}

	coll := metrics.NewCollector()
	orch := simulate.New(simulate.Config{
		Meter:    meter,
		Provider: prov,
		History:  historyStore,
		Metrics:  coll,
		Logf:     log.Printf,
	})

	httpSrv := httpserver.New(orch)
	httpSrv.SetChatProvider(chat)
	httpSrv.SetUserStore(userStore)
	httpSrv.SetHistoryStore(historyStore)
	httpSrv.SetMetrics(coll)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[postlabd/http] ", log.LstdFlags|log.Lmicroseconds))
	if cfg.SessionDisabled {
		log.Printf("sessions disabled: all requests treated as anonymous")
	} else if strings.TrimSpace(cfg.SessionSecret) != "" {
		httpSrv.SetSessionVerifier(session.NewVerifier(cfg.SessionSecret))
	} else {
		log.Printf("no session_secret configured: all requests treated as anonymous")
	}

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// Streaming responses can stay open for the length of a provider
		// call, so no write timeout here.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("postlab server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
