package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabspace/config"
	"collabspace/config/database"
	"collabspace/internal/clock"
	docService "collabspace/internal/document/service"
	"collabspace/internal/gateway"
	"collabspace/internal/gitrepo"
	msgRepo "collabspace/internal/message/repository"
	msgService "collabspace/internal/message/service"
	"collabspace/internal/presence"
	"collabspace/internal/relay"
	snapRepo "collabspace/internal/snapshot/repository"
	snapService "collabspace/internal/snapshot/service"
	"collabspace/internal/textgen"
	"collabspace/middleware"
	"collabspace/pkg/logger"
	"collabspace/router"
	"collabspace/socket"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabspace: %v\n", err)
		os.Exit(2)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Sugar.Fatalf("Server stopped: %v", err)
	}
	logger.Sugar.Info("Server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	db, dialect, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.JWTSecret == "" {
		logger.Sugar.Warn("SUPABASE_JWT_SECRET is not set; every authenticated request will be rejected")
	}

	clk := clock.Real()
	hub := socket.NewHub(socket.Config{
		SendBuffer:   cfg.SendBuffer,
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
	})
	tracker := presence.NewTracker(hub, clk, cfg.TypingTimeout)
	defer tracker.Close()

	var gen textgen.Generator = textgen.Disabled{}
	if cfg.OpenAIKey != "" {
		gen = textgen.NewOpenAI(&http.Client{Timeout: cfg.TextGenTimeout}, cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel)
	} else {
		logger.Sugar.Info("OPENAI_API_KEY is not set; summaries and commit messages use fallbacks")
	}

	git := gitrepo.New(cfg.ReposDir)
	loader := func(_ context.Context, workspaceID string) (string, map[string]string, error) {
		return git.ReadHead(workspaceID)
	}
	docs := docService.NewEngine(hub, loader, clk, docService.Config{IdleTimeout: cfg.WorkspaceIdle})

	pipeline := snapService.NewPipeline(docs, snapRepo.NewCommitRepository(db, dialect), git, hub, gen, clk, snapService.Config{
		IdleDelay:      cfg.SnapshotIdle,
		MaxDelay:       cfg.SnapshotMaxDelay,
		TextGenTimeout: cfg.TextGenTimeout,
	})
	docs.SetScheduler(pipeline)

	messages := msgService.NewMessageService(msgRepo.NewMessageRepository(db, dialect), hub, gen, cfg.TextGenTimeout)

	gw := gateway.New(hub, tracker, messages, docs)
	hub.SetObserver(gw)

	var rel *relay.Relay
	if cfg.RedisURL != "" {
		client, err := relay.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		rel = relay.New(client, hub, docs, relay.Config{Origin: docs.Replica()})
		hub.SetPublisher(rel)
		logger.Sugar.Infof("Relaying rooms through Redis as %s", rel.Origin())
	}

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: router.Setup(router.Deps{
			Hub:        hub,
			Gateway:    gw,
			Auth:       middleware.NewAuth(cfg.JWTSecret),
			CORSOrigin: cfg.CORSOrigin,
			Messages:   messages,
			Documents:  docs,
			Snapshots:  pipeline,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		docs.Run(ctx)
		return nil
	})
	if rel != nil {
		g.Go(func() error { return rel.Run(ctx) })
	}
	g.Go(func() error {
		logger.Sugar.Infof("Collabspace listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// Commit whatever is still scheduled before the process exits.
		for _, workspaceID := range docs.Workspaces() {
			if _, ferr := pipeline.Flush(shutdownCtx, workspaceID); ferr != nil {
				logger.Sugar.Errorf("Final snapshot of workspace %s failed: %v", workspaceID, ferr)
			}
		}
		pipeline.Close()
		return err
	})
	return g.Wait()
}
