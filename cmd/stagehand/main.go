package main

import (
	"log"
	"os"

	"github.com/ahodges/stagehand/internal/api"
	"github.com/ahodges/stagehand/internal/config"
	"github.com/ahodges/stagehand/internal/engine"
	"github.com/ahodges/stagehand/internal/objectcopy"
	"github.com/ahodges/stagehand/internal/provider"
	"github.com/ahodges/stagehand/internal/provider/local"
	"github.com/ahodges/stagehand/internal/provider/remote"
	"github.com/ahodges/stagehand/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("stagehand: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"work_root", cfg.WorkRoot,
		"default_provider", cfg.DefaultProvider,
	)

	store, err := registry.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	var object objectcopy.Copier
	if cfg.ObjectStore.Endpoint != "" {
		object, err = objectcopy.NewMinioCopier(objectcopy.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Region:    cfg.ObjectStore.Region,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			log.Fatalf("failed to connect object store: %v", err)
		}
	}
	copier := objectcopy.NewRouter(object)

	providers := provider.NewRegistry(cfg.DefaultProvider)
	eng := engine.New(store, providers, logger)
	sink := eng.Broker().Publish

	providers.Register(local.New(local.Config{
		RootDir:         cfg.WorkRoot,
		RetainWorkspace: cfg.RetainWorkspace,
	}, local.NewDockerRuntime(logger), store, copier, logger, sink))

	if cfg.Remote.Endpoint != "" {
		ops := remote.NewHTTPClient(cfg.Remote.Endpoint, cfg.Remote.Token, 0)
		providers.Register(remote.New(remote.Config{
			PollInterval:         cfg.Remote.PollInterval.Std(),
			LogFlushInterval:     cfg.Remote.LogFlushInterval.Std(),
			MaxPreemptionRetries: cfg.Remote.MaxPreemptionRetries,
		}, ops, store, copier, logger, sink))
	}

	srv := api.NewServer(cfg.ListenAddr, store, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	eng.Wait()
}
