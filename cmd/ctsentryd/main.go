// Command ctsentryd runs the CT log monitoring daemon: it resolves the
// set of logs to watch, spins up one poller per log, and streams
// matching certificates to the configured output sinks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/ctsentry/internal/config"
	"github.com/bl4ck0w1/ctsentry/internal/ctlogs"
	"github.com/bl4ck0w1/ctsentry/internal/match"
	"github.com/bl4ck0w1/ctsentry/internal/output"
	"github.com/bl4ck0w1/ctsentry/internal/state"
	"github.com/bl4ck0w1/ctsentry/internal/statusapi"
	"github.com/bl4ck0w1/ctsentry/internal/watchsource"
	"github.com/bl4ck0w1/ctsentry/pkg/logging"
)

var (
	version   = "0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "ctsentryd",
	Short:         "ctsentryd watches Certificate Transparency logs for domains you care about",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "config file (YAML)")
	rootCmd.Flags().String("watchlist", "", "path to a watchlist YAML file (overrides config)")
	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("watchlist_file", rootCmd.Flags().Lookup("watchlist"))

	viper.SetEnvPrefix("CTSENTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.SetVersionTemplate(fmt.Sprintf("ctsentryd %s (commit %s, built %s)\n", version, commit, buildDate))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:         cfg.LogLevel,
		Format:        cfg.LogFormat,
		FileLocation:  cfg.LogFile,
		EnableConsole: true,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, logger.Logger)
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if wl := viper.GetString("watchlist_file"); wl != "" {
		cfg.WatchlistFile = wl
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	stateStore := state.New(cfg.StatePath, logger)
	if err := stateStore.Load(); err != nil {
		logger.WithError(err).Warn("state file could not be loaded, starting fresh")
	}

	httpClient := ctlogs.NewHTTPClient()
	resolver := ctlogs.NewResolver(httpClient, logger)
	policy := ctlogs.AcceptancePolicy{
		IncludeReadonly: cfg.IncludeReadonly,
		IncludePending:  cfg.IncludePending,
		IncludeAll:      cfg.IncludeAll,
	}
	additional := make([]ctlogs.Descriptor, 0, len(cfg.AdditionalLogs))
	for _, u := range cfg.AdditionalLogs {
		additional = append(additional, ctlogs.Descriptor{URL: u})
	}

	// With no log list URL configured, additional_logs is the whole
	// monitored set (config.Validate allows this).
	var staticFallback []ctlogs.Descriptor
	if cfg.LogListURL == "" {
		staticFallback = additional
	}
	descriptors, err := resolver.Resolve(ctx, cfg.LogListURL, policy, additional, cfg.MaxConcurrentLogs, staticFallback)
	if err != nil {
		return fmt.Errorf("resolving CT log list: %w", err)
	}
	logger.WithField("log_count", len(descriptors)).Info("resolved CT log list")

	health := ctlogs.NewHealthTracker(uint32(cfg.FailureThreshold), logger)

	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building output sinks: %w", err)
	}

	watchlist := match.New()
	if cfg.WatchlistFile != "" {
		src := watchsource.NewFileSource(cfg.WatchlistFile)
		entries, err := src.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("loading initial watchlist: %w", err)
		}
		watchlist.Merge(entries)
		go syncWatchlist(ctx, src, watchlist, cfg.WatchlistSyncInterval(), logger)
	}

	var rootDomains *match.RootDomainSet
	if cfg.RootDomainsFile != "" {
		rootDomains, err = match.LoadRootDomains(cfg.RootDomainsFile)
		if err != nil {
			return fmt.Errorf("loading root domains file: %w", err)
		}
	}

	dedupe := match.NewDedupe(cfg.DedupeEnabled, cfg.DedupeCapacity, cfg.DedupeTTL())
	pipeline := match.NewPipeline(watchlist, dedupe, rootDomains, sinks, logger)

	pollerCfg := ctlogs.PollerConfig{
		PollInterval:  cfg.PollInterval(),
		BatchSize:     uint64(cfg.BatchSize),
		AllowPrecerts: cfg.ParsePrecerts,
	}
	coordinator := ctlogs.NewCoordinator(descriptors, health, stateStore, cfg.MatchChannelCapacity, pollerCfg, logger)

	limiter := rate.NewLimiter(rate.Limit(50), 100)
	newClientFn := func(d ctlogs.Descriptor) ctlogs.LogFetcher {
		return ctlogs.NewLogClient(d.URL, httpClient, limiter)
	}

	// Unbuffered: coordinator.Events() is already sized to
	// MatchChannelCapacity, so it is the single back-pressure buffer
	// spec §5 describes. This bridge just re-shapes CertificateEvent
	// into match.Certificate without adding a second buffer.
	certEvents := make(chan match.Certificate)
	go bridgeEvents(coordinator.Events(), certEvents)

	startedAt := time.Now()
	var api *statusapi.Server
	if cfg.StatusAPI.Enabled {
		api = statusapi.New(cfg.StatusAPI.ListenAddr, coordinator, health, cfg.StatusAPI.JWTSecret, startedAt, logger)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- coordinator.Run(ctx, newClientFn) }()
	go func() { pipeline.Run(ctx, certEvents); errCh <- nil }()
	if api != nil {
		go func() { errCh <- api.ListenAndServe(ctx) }()
	}

	var runErr error
	waitFor := 2
	if api != nil {
		waitFor = 3
	}
	for i := 0; i < waitFor; i++ {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func bridgeEvents(in <-chan ctlogs.CertificateEvent, out chan<- match.Certificate) {
	defer close(out)
	for evt := range in {
		out <- match.Certificate{
			DNSNames:    evt.Cert.DNSNames,
			IPAddresses: evt.Cert.IPAddresses,
			NotBefore:   evt.Cert.NotBefore,
			NotAfter:    evt.Cert.NotAfter,
			Fingerprint: evt.Cert.Fingerprint,
			IssuerCN:    evt.Cert.IssuerCN,
			IsPrecert:   evt.Cert.IsPrecert,
			SourceLog:   evt.SourceLog,
			EntryIndex:  evt.EntryIndex,
		}
	}
}

func syncWatchlist(ctx context.Context, src *watchsource.FileSource, wl *match.Watchlist, interval time.Duration, logger logrus.FieldLogger) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := src.Fetch(ctx)
			if err != nil {
				logger.WithError(err).Warn("watchlist sync failed, keeping previous contents")
				continue
			}
			wl.Merge(entries)
		}
	}
}

func buildSinks(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) ([]match.Sink, error) {
	var sinks []match.Sink

	if cfg.Output.Human {
		sinks = append(sinks, output.NewHumanSink(os.Stdout))
	}
	if cfg.Output.JSONL != "" {
		sink, err := output.NewJSONLSink(cfg.Output.JSONL, logger)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Output.CSV != "" {
		sink, err := output.NewCSVSink(cfg.Output.CSV, logger)
		if err != nil {
			return nil, fmt.Errorf("csv sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Output.Webhook.URL != "" {
		sinks = append(sinks, output.NewWebhookSink(cfg.Output.Webhook.URL, cfg.Output.Webhook.Secret, &http.Client{Timeout: 10 * time.Second}, logger))
	}
	if cfg.Output.Redis.Enabled {
		redisCfg := output.DefaultRedisConfig()
		redisCfg.URL = cfg.Output.Redis.URL
		redisCfg.Token = cfg.Output.Redis.Token
		redisCfg.Channel = cfg.Output.Redis.Channel
		redisCfg.QueueName = cfg.Output.Redis.QueueKey
		redisCfg.MaxQueueSize = cfg.Output.Redis.MaxQueue
		redisCfg.Strict = cfg.Output.Redis.Strict
		redisCfg.MaxReconnectDelay = cfg.ReconnectDelay()
		sink, err := output.NewRedisSink(ctx, redisCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, output.NewHumanSink(os.Stdout))
	}
	return sinks, nil
}
