package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overskill/deployctl/internal/api"
	"github.com/overskill/deployctl/internal/auditlog"
	"github.com/overskill/deployctl/internal/config"
	"github.com/overskill/deployctl/internal/credential"
	"github.com/overskill/deployctl/internal/deploystate"
	"github.com/overskill/deployctl/internal/dispatch"
	"github.com/overskill/deployctl/internal/edgeplatform"
	"github.com/overskill/deployctl/internal/monitor"
	"github.com/overskill/deployctl/internal/orchestrator"
	"github.com/overskill/deployctl/internal/promotion"
	"github.com/overskill/deployctl/internal/sourcehost"
)

func main() {
	logger := log.New(os.Stdout, "overskill-deployd ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	cred, err := credential.New(cfg.GitHubAppID, cfg.GitHubPrivateKeyPEM)
	if err != nil {
		logger.Fatalf("credential: %v", err)
	}
	source := sourcehost.New(cred)

	edge, err := edgeplatform.New(edgeplatform.Config{
		AccountID: cfg.EdgePlatformAccountID,
		APIToken:  cfg.EdgePlatformAPIToken,
	})
	if err != nil {
		logger.Fatalf("edge platform: %v", err)
	}

	state, err := deploystate.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatalf("deploy state: %v", err)
	}
	defer state.Close()

	audit := auditlog.New(logger)
	orch := orchestrator.New(source, cfg)
	pub := dispatch.New(edge, cfg)
	mon := monitor.New(source, orch, pub, state, audit)
	promoter := promotion.New(pub, state)

	srv := api.New(cfg, orch, pub, mon, promoter, state, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Printf("shutting down...")
	_ = httpSrv.Close()
}
