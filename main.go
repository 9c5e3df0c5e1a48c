package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mauritsvdvijgh/FlashMQ/auth"
	"github.com/mauritsvdvijgh/FlashMQ/config"
	"github.com/mauritsvdvijgh/FlashMQ/logger"
	"github.com/mauritsvdvijgh/FlashMQ/service"
	"github.com/mauritsvdvijgh/FlashMQ/store"
	"github.com/mauritsvdvijgh/FlashMQ/store/persist"
	"github.com/mauritsvdvijgh/FlashMQ/util/cron"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Configure(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.LogInit(cfg.Log.Level)
	logger.Logger.Infof("FlashMQ %s starting", cfg.ServerVersion)

	subStore := store.NewSubscriptionStore(cfg.Broker.MaxQueueMessages)

	var persister persist.Provider
	switch cfg.Persistence.Provider {
	case "file":
		persister = persist.NewFileProvider(cfg.Persistence.RetainedPath, cfg.Persistence.SessionsPath)
	case "mongo":
		persister, err = persist.NewMongoProvider(cfg.Persistence.MongoUrl, cfg.Persistence.MongoDatabase)
		if err != nil {
			logger.Logger.Fatalf("persistence: %v", err)
		}
	}
	if persister != nil {
		if err = subStore.LoadAll(persister); err != nil {
			logger.Logger.Fatalf("persistence load: %v", err)
		}
	}

	authn := auth.NewAuthenticator(cfg.Auth)
	authn.LoadPasswordFile()
	if err = authn.LoadPlugin(); err != nil {
		logger.Logger.Fatalf("auth: %v", err)
	}
	if err = authn.Init(); err != nil {
		logger.Logger.Fatalf("auth init: %v", err)
	}
	if err = authn.SecurityInit(false); err != nil {
		logger.Logger.Fatalf("auth security init: %v", err)
	}

	svr, err := service.NewServer(cfg, subStore, authn)
	if err != nil {
		logger.Logger.Fatalf("server: %v", err)
	}

	crons := cron.Get()
	if persister != nil {
		spec := fmt.Sprintf("@every %ds", cfg.Persistence.SaveInterval)
		crons.AddJob(spec, "persistence-save", saveJob{subStore, persister})
	}
	crons.Start()

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigchan {
			if sig == syscall.SIGHUP {
				logger.Logger.Info("Reloading auth state")
				authn.Reload()
				continue
			}

			logger.Logger.Infof("Exiting due to trapped signal %v", sig)
			authn.SetQuitting()
			crons.Stop()

			if err := svr.Close(); err != nil {
				logger.Logger.Errorf("server close: %v", err)
			}
			if persister != nil {
				if err := subStore.SaveAll(persister); err != nil {
					logger.Logger.Errorf("persistence save: %v", err)
				}
				persister.Close()
			}
			authn.Cleanup()
			logger.Logger.Close()
			os.Exit(0)
		}
	}()

	if err = svr.ListenAndServe(); err != nil {
		logger.Logger.Fatalf("listen: %v", err)
	}
}

type saveJob struct {
	store     *store.SubscriptionStore
	persister persist.Provider
}

func (j saveJob) Run() {
	if err := j.store.SaveAll(j.persister); err != nil {
		logger.Logger.Errorf("persistence save: %v", err)
	}
}
