// Command examcached serves cached explanations and translations over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferro-labs/examcache"
	"github.com/ferro-labs/examcache/internal/logging"
	"github.com/ferro-labs/examcache/internal/version"
	"github.com/ferro-labs/examcache/providers"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXAMCACHE_CONFIG"), "path to a JSON or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Logger.Error("examcached failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := examcache.Default()
	if configPath != "" {
		loaded, err := examcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}
	applyEnvKeys(&cfg)

	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := logging.Component("examcached")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := examcache.Open(cfg, examcache.WithLogger(logging.Logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("closing durable store", "error", err)
		}
	}()

	gen, err := providers.NewGenerator(ctx, cfg.Providers.Explanation)
	if err != nil {
		return fmt.Errorf("explanation provider: %w", err)
	}
	tr, err := providers.NewTranslator(ctx, cfg.Providers.Translation, gen)
	if err != nil {
		return fmt.Errorf("translation provider: %w", err)
	}
	if cfg.Server.AdminToken == "" {
		logger.Warn("no admin token configured; admin API is closed")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(newServer(c, gen, tr, cfg)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2*cfg.Upstream.Timeout.Std() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("examcached listening",
		"version", version.Version,
		"addr", cfg.Server.Addr,
		"mode", c.Mode(),
		"generator", gen.Name(),
		"translator", tr.Name(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// applyEnvKeys fills credentials left empty in config from the conventional
// environment variables. Bedrock already falls back to the AWS chain.
func applyEnvKeys(cfg *examcache.Config) {
	fill := func(p *examcache.ProviderConfig) {
		if p.APIKey != "" {
			return
		}
		switch p.Type {
		case "", providers.TypeOpenAI:
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case providers.TypeGoogle:
			p.APIKey = os.Getenv("GOOGLE_TRANSLATE_API_KEY")
		}
	}
	fill(&cfg.Providers.Explanation)
	fill(&cfg.Providers.Translation)
	if cfg.Server.AdminToken == "" {
		cfg.Server.AdminToken = os.Getenv("EXAMCACHE_ADMIN_TOKEN")
	}
}
