package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"buildhooks/internal"
	"buildhooks/pkg/api"
	"buildhooks/pkg/credentials"
	"buildhooks/pkg/install"
	"buildhooks/pkg/lock"
	"buildhooks/pkg/notify"
	"buildhooks/pkg/oauth"
	"buildhooks/pkg/orchestrator"
	"buildhooks/pkg/providers"
	"buildhooks/pkg/queue"
	"buildhooks/pkg/storage"
	"buildhooks/pkg/storage/apps"
	"buildhooks/pkg/storage/installations"
	"buildhooks/pkg/storage/notifications"
	"buildhooks/pkg/webhook"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	installStore, notificationStore, appStore, err := openStores(config)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer installStore.Close()
	defer notificationStore.Close()
	defer appStore.Close()
	if config.Storage.DSN == "" {
		logger.Printf("no storage dsn configured, using in-memory stores")
	}

	var githubApp *credentials.AppManager
	if gh := config.Providers.GitHub; gh.Enabled && gh.AppID != 0 {
		githubApp = credentials.NewAppManager(credentials.AppConfig{
			Provider:         "github",
			AppID:            gh.AppID,
			PrivateKeyPath:   gh.PrivateKeyPath,
			WebhookToken:     gh.Secret,
			BaseURL:          gh.BaseURL,
			ExpiryAdjustment: time.Duration(config.Credentials.ExpiryAdjustmentMS) * time.Millisecond,
		}, appStore, installStore)
	}

	coordinator, err := openCoordinator(config)
	if err != nil {
		logger.Fatalf("coordination: %v", err)
	}
	defer coordinator.Close()
	locks := lock.NewQueue(coordinator, config.Coordination.LockRoot)

	orch := orchestrator.NewClient(config.Orchestrator.BaseURL, config.Orchestrator.Token)
	resolver := install.NewClientResolver(config, githubApp, installStore)

	registry := notify.NewRegistry()
	notify.RegisterDefaults(registry, notify.Deps{
		Email:        config.Email,
		CommitStatus: commitStatusResolver(installStore, resolver),
		BaseURL:      config.Server.PublicBaseURL,
	})

	opts := install.Options{
		ParallelImports: config.Imports.ParallelImports,
		PollInterval:    time.Duration(config.Imports.PollIntervalMS) * time.Millisecond,
	}
	if descriptor, ok := registry.Get("commit-status"); ok {
		opts.DefaultNotificationKind = descriptor.Name
		opts.DefaultNotificationEvents = descriptor.Events
	}
	manager := install.NewManager(orch, installStore, notificationStore, resolver, locks, opts)

	publisher, err := queue.NewPublisher(config.Queue)
	if err != nil {
		logger.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	router := webhook.NewRouter()
	webhook.Bind(router, manager, installStore)

	mux := http.NewServeMux()

	if config.Providers.GitHub.Enabled {
		if githubApp == nil {
			logger.Fatalf("github provider enabled without app credentials")
		}
		ghHandler, err := webhook.NewGitHubHandler(githubApp, router, config.Server.MaxBodyBytes)
		if err != nil {
			logger.Fatalf("github handler: %v", err)
		}
		mux.Handle(config.Providers.GitHub.Path, ghHandler)
		logger.Printf("github webhook enabled on %s", config.Providers.GitHub.Path)
	}
	if config.Providers.GitLab.Enabled {
		mux.Handle(config.Providers.GitLab.Path,
			webhook.NewGitLabHandler(config.Providers.GitLab.Secret, router, config.Server.MaxBodyBytes))
		logger.Printf("gitlab webhook enabled on %s", config.Providers.GitLab.Path)
	}

	callback := oauth.NewCallbackHandler(config, manager, installStore)
	mux.Handle("/auth", callback)
	mux.Handle("/auth/start", oauth.NewStartHandler(config))

	api.NewServer(registry, notificationStore, installStore, publisher, config).Register(mux)

	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics on %s", config.Server.MetricsPath)
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           internal.NewRateLimitHandler(mux, config.Server.RateLimitRPS, config.Server.RateLimitBurst),
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	// Webhook handlers and imports kicked off by callbacks run past the
	// HTTP response; let them drain before the stores close.
	router.Wait()
	callback.Wait()
}

func openStores(config internal.Config) (storage.InstallationStore, storage.NotificationStore, storage.AppStore, error) {
	if config.Storage.DSN == "" {
		return storage.NewMemoryInstallationStore(), storage.NewMemoryNotificationStore(), storage.NewMemoryAppStore(), nil
	}
	base := storage.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		AutoMigrate: config.Storage.AutoMigrate,
	}

	installCfg := base
	installCfg.Table = config.Storage.InstallationsTable
	installStore, err := installations.Open(installCfg)
	if err != nil {
		return nil, nil, nil, err
	}

	notificationCfg := base
	notificationCfg.Table = config.Storage.NotificationsTable
	notificationStore, err := notifications.Open(notificationCfg)
	if err != nil {
		installStore.Close()
		return nil, nil, nil, err
	}

	appCfg := base
	appCfg.Table = config.Storage.AppsTable
	appStore, err := apps.Open(appCfg)
	if err != nil {
		installStore.Close()
		notificationStore.Close()
		return nil, nil, nil, err
	}
	return installStore, notificationStore, appStore, nil
}

func openCoordinator(config internal.Config) (lock.Coordinator, error) {
	if len(config.Coordination.Servers) == 0 {
		return lock.NewMemoryCoordinator(), nil
	}
	return lock.ConnectZK(config.Coordination.Servers,
		time.Duration(config.Coordination.SessionTimeoutMS)*time.Millisecond)
}

// commitStatusResolver adapts the installation client resolver to the
// notification kind's lookup by installation record id.
func commitStatusResolver(installs storage.InstallationStore, resolver install.ClientResolver) notify.CommitStatusResolver {
	return func(ctx context.Context, installationID string) (providers.Client, error) {
		inst, err := installs.Get(ctx, installationID)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, fmt.Errorf("unknown installation %s", installationID)
		}
		return resolver(ctx, inst)
	}
}
