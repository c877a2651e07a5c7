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

	"github.com/joho/godotenv"

	"github.com/cba-labs/starlight-hub/internal/clock"
	"github.com/cba-labs/starlight-hub/internal/config"
	"github.com/cba-labs/starlight-hub/internal/driver/null"
	"github.com/cba-labs/starlight-hub/internal/hub"
	"github.com/cba-labs/starlight-hub/internal/logging"
	"github.com/cba-labs/starlight-hub/internal/web"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("Starlight Hub " + version)
	fmt.Println("=============================================")
	fmt.Printf("STARLIGHT_PORT=%d\n", cfg.Port)
	fmt.Printf("STARLIGHT_DATA_DIR=%s\n", cfg.DataDir)
	fmt.Printf("heartbeatTimeout=%s lockTTL=%s syncBudget=%s\n", cfg.HeartbeatTimeout, cfg.LockTTL, cfg.SyncBudget)
	fmt.Printf("quorumThreshold=%g maxPreCheckRetries=%d\n", cfg.QuorumThreshold, cfg.MaxPreCheckRetries)
	fmt.Printf("browser.engine=%s headless=%t\n", cfg.Browser.Engine, cfg.Browser.Headless)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Browser backends are linked by embedders; the stock binary speaks the
	// coordination protocol against a no-op driver.
	drv := null.New()
	log.Warn("no browser backend linked, using null driver", "engine", cfg.Browser.Engine)

	h := hub.New(log, clock.Real{}, cfg, drv)
	h.OnFinish(func(reason string) { cancel() })

	srv := web.New(log, h, cfg.Port, version)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
			h.FailMission(fmt.Sprintf("web server: %v", err))
		}
	}()

	log.Info("hub started", "version", version, "port", cfg.Port)
	h.Run(ctx)

	// Signal-initiated exits still drain and persist.
	h.Shutdown("signal")

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	_ = drv.Close(shCtx)

	log.Info("hub shutdown complete")
}
