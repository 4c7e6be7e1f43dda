package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Value: "config.toml",
			Usage: "path to config.toml",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "verbose logging",
		},
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "accountpilotd",
		Usage: "credential rotation and usage-aware failover for pooled provider accounts",
		Flags: commonFlags(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the polling daemon (default)",
				Flags: commonFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return runDaemon(ctx, c)
				},
			},
			{
				Name:  "check",
				Usage: "run one poll cycle, print the consolidated view as JSON, and exit",
				Flags: commonFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					return runCheck(ctx, c)
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runDaemon(ctx, c)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// services holds every constructed component so run and check share wiring.
type services struct {
	cfg     *Config
	pool    *AccountPool
	store   *usageCacheStore
	creds   *fileCredentialStore
	refresh *TokenRefreshEngine
	fetcher *UsageFetcher
	bus     *EventBus
	batcher *NotificationBatcher
	swapper *SwapCoordinator
	poller  *UsagePoller
}

func buildServices(c *cli.Command) (*services, error) {
	fileCfg, err := loadConfigFile(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := resolveConfig(fileCfg)
	if err != nil {
		return nil, err
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.debug || c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	store, err := newUsageCacheStore(cfg.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage cache: %w", err)
	}

	pool, err := buildPool(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	creds, err := newFileCredentialStore(cfg.credentialsDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	client := newHTTPClient(cfg.httpTimeout)
	refresh := newTokenRefreshEngine(creds, client, cfg.refreshLookahead)
	cooldowns := newFailureCooldownTracker(cfg.apiCooldown, cfg.authCooldown)
	fetcher := newUsageFetcher(client, cooldowns, cfg.extraAllowedHosts)
	registry := newOperationRegistry()
	selector := newProfileSelector(pool, registry, cooldowns, cfg)
	bus := newEventBus()
	batcher := newNotificationBatcher(bus, cfg.notifyWindow, cfg.notifyCap)
	swapper := newSwapCoordinator(pool, registry, selector, cooldowns, store, bus, batcher, refresh, cfg)
	poller := newUsagePoller(cfg, pool, refresh, fetcher, cooldowns, selector, swapper, store, bus)

	return &services{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		creds:   creds,
		refresh: refresh,
		fetcher: fetcher,
		bus:     bus,
		batcher: batcher,
		swapper: swapper,
		poller:  poller,
	}, nil
}

func runDaemon(ctx context.Context, c *cli.Command) error {
	svc, err := buildServices(c)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	svc.bus.Subscribe(EventSwapCompleted, func(payload any) {
		if ev, ok := payload.(SwapCompletedEvent); ok {
			log.Infof("notification: switched %s -> %s (%s limit)", ev.FromName, ev.ToName, ev.LimitType)
		}
	})
	svc.bus.Subscribe(EventQueueBlocked, func(payload any) {
		if ev, ok := payload.(QueueBlockedEvent); ok {
			log.Warnf("notification: operations blocked: %s", ev.Reason)
		}
	})

	watcher, err := newCredentialWatcher(svc.cfg.credentialsDir, func(accountIDs []string) {
		// New secrets on disk may clear a needs-reauth flag; re-check now.
		for _, id := range accountIDs {
			if acc := svc.pool.get(id); acc != nil {
				acc.setNeedsReauth(false)
			}
		}
		go svc.poller.CheckAndSwap(context.Background())
	})
	if err != nil {
		log.Warnf("credentials watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	svc.poller.Start()
	defer svc.poller.Stop()
	defer svc.batcher.Stop()

	log.Infof("accountpilotd running: %d accounts, polling every %s", svc.pool.count(), svc.cfg.pollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case <-ctx.Done():
	}
	return nil
}

func runCheck(ctx context.Context, c *cli.Command) error {
	svc, err := buildServices(c)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	svc.poller.CheckAndSwap(ctx)
	snaps := svc.poller.FetchAllAccounts(ctx)

	out := struct {
		Active    string                `json:"active_account,omitempty"`
		Snapshots []*UsageSnapshot      `json:"snapshots"`
		Accounts  []AccountAvailability `json:"accounts"`
	}{Snapshots: snaps}
	if acc := svc.pool.activeAccount(); acc != nil {
		out.Active = acc.ID
	}
	out.Accounts = svc.poller.selector.Availabilities()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
