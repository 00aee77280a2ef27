package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/mintcache/arweave"
	"github.com/wolfeidau/mintcache/cache"
	"github.com/wolfeidau/mintcache/content"
	"github.com/wolfeidau/mintcache/credentials"
	"github.com/wolfeidau/mintcache/credentials/opprovider"
	"github.com/wolfeidau/mintcache/gallery"
	"github.com/wolfeidau/mintcache/handle"
	"github.com/wolfeidau/mintcache/ledger"
	"github.com/wolfeidau/mintcache/materialize"
	"github.com/wolfeidau/mintcache/paginate"
	"github.com/wolfeidau/mintcache/server"
	"github.com/wolfeidau/mintcache/store"
	"github.com/wolfeidau/mintcache/telemetry"
	"github.com/wolfeidau/mintcache/thumbnail"
)

var version = "dev"

type CLI struct {
	Config  kong.ConfigFlag  `help:"Path to a JSON config file." type:"path"`
	Version kong.VersionFlag `help:"Print version and exit."`

	Address         string `help:"Address to listen on." default:":8080"`
	AuthToken       string `help:"Bearer token required on API requests."`
	CredentialsFile string `help:"Credentials template supplying the auth token and ledger secrets." type:"path"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Gateway   string `help:"Permanent-storage gateway URL." default:"https://arweave.net"`
	SearchURL string `help:"GraphQL search endpoint (default: {gateway}/graphql)." name:"search-url"`

	LedgerURL     string        `help:"Ledger JSON-RPC endpoint." name:"ledger-url"`
	LedgerToken   string        `help:"Bearer token for the ledger endpoint."`
	LedgerTimeout time.Duration `help:"Timeout for one ledger call." default:"30s"`
	Demo          bool          `help:"Serve a generated in-memory ledger instead of a remote one."`
	DemoTokens    int           `help:"Tokens minted per collection in demo mode." default:"64"`

	CacheCapacity   int   `help:"Maximum content entries held in memory." default:"100"`
	MaxPayloadSize  int64 `help:"Largest payload fetched into memory, in bytes." default:"67108864"`
	AsyncThumbnails bool  `help:"Return video entries before their thumbnail is captured."`

	StoreDir        string        `help:"Directory for the persistent payload store (empty disables it)." type:"path"`
	StoreMaxBytes   int64         `help:"Prune the payload store down to this many bytes (0 disables)." default:"1073741824"`
	JanitorInterval time.Duration `help:"How often to prune the payload store." default:"10m"`

	FFprobePath       string        `help:"Path to ffprobe." default:"ffprobe" name:"ffprobe"`
	FFmpegPath        string        `help:"Path to ffmpeg." default:"ffmpeg" name:"ffmpeg"`
	ThumbnailDeadline time.Duration `help:"Deadline for one video thumbnail." default:"10s"`

	PageSize        int `help:"Default page size." default:"20"`
	LoadConcurrency int `help:"Content loads in flight per page." default:"8"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("mintcache"),
		kong.Description("Paginated token gallery with a content cache."),
		kong.DefaultEnvars("MINTCACHE"),
		kong.Configuration(kong.JSON, "/etc/mintcache/config.json", "~/.config/mintcache.json"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := run(cli); err != nil {
		kctx.Errorf("%v", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// applyCredentials fills secrets missing from flags from the credentials file.
func applyCredentials(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	creds, err := credentials.NewResolver(
		credentials.WithLogger(logger),
		opprovider.WithOnePassword(),
	).ResolveFile(ctx, cli.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	if cli.AuthToken == "" {
		cli.AuthToken = creds.AuthToken
	}
	if creds.Ledger != nil {
		if cli.LedgerURL == "" {
			cli.LedgerURL = creds.Ledger.Endpoint
		}
		if cli.LedgerToken == "" {
			cli.LedgerToken = creds.Ledger.Token
		}
	}
	return nil
}

func run(cli CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cli.CredentialsFile != "" {
		if err := applyCredentials(context.Background(), &cli, logger); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "mintcache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	var (
		led     ledger.Ledger
		balance ledger.BalanceActor
		fetcher content.Fetcher
		mimes   gallery.MIMESource
		locate  = func(l string) string { return l }
	)
	gateway := arweave.NewGateway(arweave.WithGatewayURL(cli.Gateway))
	switch {
	case cli.Demo:
		d := newDemo(cli.DemoTokens)
		led, balance, fetcher, mimes = d.ledger, d.ledger, d, d
		logger.Info("serving demo ledger", "tokens_per_collection", cli.DemoTokens)
	case cli.LedgerURL != "":
		client := ledger.NewClient(cli.LedgerURL,
			ledger.WithBearerToken(cli.LedgerToken),
			ledger.WithTimeout(cli.LedgerTimeout),
		)
		led, balance, fetcher, locate = client, client, gateway, gateway.URL

		searchURL := cli.SearchURL
		if searchURL == "" {
			searchURL = gateway.BaseURL() + "/graphql"
		}
		mimes = arweave.NewSearch(arweave.WithSearchEndpoint(searchURL))
	default:
		return errors.New("either --ledger-url or --demo is required")
	}

	handles := handle.NewRegistry(handle.WithLogger(logger))

	thumbs := thumbnail.New(handles,
		thumbnail.WithLogger(logger),
		thumbnail.WithDeadline(cli.ThumbnailDeadline),
		thumbnail.WithOpener(thumbnail.FFmpeg{FFprobePath: cli.FFprobePath, FFmpegPath: cli.FFmpegPath}.Open),
	)

	cacheOpts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithCapacity(cli.CacheCapacity),
		cache.WithFetcher(fetcher),
		cache.WithThumbnailer(thumbs),
		cache.WithLocator(locate),
		cache.WithMaxPayloadSize(cli.MaxPayloadSize),
	}
	if cli.AsyncThumbnails {
		cacheOpts = append(cacheOpts, cache.WithAsyncThumbnails())
	}

	var payloads *store.Store
	if cli.StoreDir != "" {
		payloads, err = store.Open(cli.StoreDir,
			store.WithLogger(logger),
			store.WithMaxBytes(cli.StoreMaxBytes),
			store.WithMaxPayloadSize(cli.MaxPayloadSize),
		)
		if err != nil {
			return fmt.Errorf("opening payload store: %w", err)
		}
		defer func() {
			if err := payloads.Close(); err != nil {
				logger.Warn("failed to close payload store", "error", err)
			}
		}()
		cacheOpts = append(cacheOpts, cache.WithStore(payloads))
		if cli.StoreMaxBytes > 0 && cli.JanitorInterval > 0 {
			go payloads.RunJanitor(ctx, cli.JanitorInterval)
		}
	}

	contents, err := cache.New(handles, cacheOpts...)
	if err != nil {
		return fmt.Errorf("creating content cache: %w", err)
	}
	defer contents.Close()

	resolver := content.NewResolver(handles,
		content.WithGateway(cli.Gateway),
		content.WithFetcher(fetcher),
		content.WithResolverLogger(logger),
	)

	svc := gallery.New(
		paginate.New(led, paginate.WithLogger(logger)),
		materialize.New(led, materialize.WithLogger(logger)),
		contents,
		resolver,
		gallery.WithLogger(logger),
		gallery.WithSearch(mimes),
		gallery.WithBalances(balance),
		gallery.WithLoadConcurrency(cli.LoadConcurrency),
	)

	srv, err := server.New(server.Config{
		Address:         cli.Address,
		AuthToken:       cli.AuthToken,
		Gallery:         svc,
		Tracker:         gallery.NewTracker(),
		Cache:           contents,
		Resolver:        resolver,
		Handles:         handles,
		Store:           payloads,
		DefaultPageSize: cli.PageSize,
		WriteTimeout:    cli.ThumbnailDeadline + time.Minute,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"tokens_url", fmt.Sprintf("http://localhost%s/v1/collections/primary/tokens", srv.Address()),
		"store", cli.StoreDir,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
