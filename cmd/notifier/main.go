// The notifier binary consumes the repository and build lifecycle topics
// and dispatches the notifications configured for each repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildhooks/internal"
	"buildhooks/pkg/credentials"
	"buildhooks/pkg/install"
	"buildhooks/pkg/notify"
	"buildhooks/pkg/providers"
	"buildhooks/pkg/queue"
	"buildhooks/pkg/storage"
	"buildhooks/pkg/storage/installations"
	"buildhooks/pkg/storage/notifications"
)

func main() {
	logger := internal.NewLogger("notifier")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	grace := flag.Duration("grace", 30*time.Second, "Shutdown grace period")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	var installStore storage.InstallationStore
	var notificationStore storage.NotificationStore
	if config.Storage.DSN == "" {
		logger.Printf("no storage dsn configured, using in-memory stores")
		installStore = storage.NewMemoryInstallationStore()
		notificationStore = storage.NewMemoryNotificationStore()
	} else {
		base := storage.Config{
			Driver:      config.Storage.Driver,
			DSN:         config.Storage.DSN,
			AutoMigrate: config.Storage.AutoMigrate,
		}
		installCfg := base
		installCfg.Table = config.Storage.InstallationsTable
		store, err := installations.Open(installCfg)
		if err != nil {
			logger.Fatalf("installation store: %v", err)
		}
		installStore = store

		notificationCfg := base
		notificationCfg.Table = config.Storage.NotificationsTable
		notificationStore2, err := notifications.Open(notificationCfg)
		if err != nil {
			logger.Fatalf("notification store: %v", err)
		}
		notificationStore = notificationStore2
	}
	defer installStore.Close()
	defer notificationStore.Close()

	var githubApp *credentials.AppManager
	if gh := config.Providers.GitHub; gh.Enabled && gh.AppID != 0 {
		githubApp = credentials.NewAppManager(credentials.AppConfig{
			Provider:         "github",
			AppID:            gh.AppID,
			PrivateKeyPath:   gh.PrivateKeyPath,
			WebhookToken:     gh.Secret,
			BaseURL:          gh.BaseURL,
			ExpiryAdjustment: time.Duration(config.Credentials.ExpiryAdjustmentMS) * time.Millisecond,
		}, storage.NewMemoryAppStore(), installStore) // signing-token cache is per process
	}
	resolver := install.NewClientResolver(config, githubApp, installStore)

	registry := notify.NewRegistry()
	notify.RegisterDefaults(registry, notify.Deps{
		Email: config.Email,
		CommitStatus: func(ctx context.Context, installationID string) (providers.Client, error) {
			inst, err := installStore.Get(ctx, installationID)
			if err != nil {
				return nil, err
			}
			if inst == nil {
				return nil, fmt.Errorf("unknown installation %s", installationID)
			}
			return resolver(ctx, inst)
		},
		BaseURL: config.Server.PublicBaseURL,
	})

	subscriber, err := queue.BuildSubscriber(config.Queue)
	if err != nil {
		logger.Fatalf("subscriber: %v", err)
	}

	topics := []string{config.Queue.RepoTopic, config.Queue.BuildTopic}
	dispatcher := notify.NewDispatcher(subscriber, registry, notificationStore, topics)

	stop := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Printf("shutting down")
		close(stop)
	}()

	logger.Printf("consuming %v", topics)
	if err := dispatcher.RunUntil(context.Background(), stop, *grace); err != nil {
		logger.Fatalf("dispatcher: %v", err)
	}
}
