// Package commands implements the CLI of the fresh-proxy binary.
package commands

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	freshproxy "github.com/always-cache/fresh-proxy"
	"github.com/always-cache/fresh-proxy/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long the admin server may take to drain.
const shutdownTimeout = 5 * time.Second

type flags struct {
	config        string
	listen        string
	origin        string
	originHost    string
	admin         string
	defaultMaxAge time.Duration
	fetchTimeout  time.Duration
	store         string
	storePath     string
	logFile       string
	trace         bool
}

// CLI represents the command line interface of fresh-proxy.
type CLI struct {
	rootCmd *cobra.Command
	flags   flags
	stdout  io.Writer
}

// New creates the CLI with its root and version commands.
func New() *CLI {
	c := &CLI{stdout: os.Stdout}
	rootCmd := &cobra.Command{
		Use:           "fresh-proxy",
		Short:         "A caching HTTP proxy for a single origin",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&c.flags.config, "config", "", "Path to config file")
	f.StringVar(&c.flags.listen, "listen", "", "Address to listen on (overrides config)")
	f.StringVar(&c.flags.origin, "origin", "", "Origin host:port to proxy to (overrides config)")
	f.StringVar(&c.flags.originHost, "origin-host", "", "Host header to send to origin (overrides config)")
	f.StringVar(&c.flags.admin, "admin", "", "Address for the admin API, disabled if empty (overrides config)")
	f.DurationVar(&c.flags.defaultMaxAge, "default-max-age", 0, "Default max age if not set in response (overrides config)")
	f.DurationVar(&c.flags.fetchTimeout, "fetch-timeout", 0, "Timeout for origin requests (overrides config)")
	f.StringVar(&c.flags.store, "store", "", "Cache provider: memory, sqlite or leveldb (overrides config)")
	f.StringVar(&c.flags.storePath, "store-path", "", "Database file or directory of the cache provider (overrides config)")
	f.StringVar(&c.flags.logFile, "log-file", "", "Log file to use (in addition to stdout)")
	f.BoolVar(&c.flags.trace, "vv", false, "Verbosity: trace logging")

	rootCmd.AddCommand(c.newVersionCmd())
	c.rootCmd = rootCmd
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.stdout = out
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// loadConfig merges the config file, if any, with the flags that were set.
func (c *CLI) loadConfig(cmd *cobra.Command) (freshproxy.FileConfig, error) {
	cfg := freshproxy.DefaultFileConfig()
	if c.flags.config != "" {
		var err error
		if cfg, err = freshproxy.LoadConfig(c.flags.config); err != nil {
			return cfg, err
		}
	}
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.Listen = c.flags.listen
	}
	if set("origin") {
		cfg.Origin = c.flags.origin
	}
	if set("origin-host") {
		cfg.OriginHost = c.flags.originHost
	}
	if set("admin") {
		cfg.Admin = c.flags.admin
	}
	if set("default-max-age") {
		cfg.DefaultMaxAge = c.flags.defaultMaxAge.String()
	}
	if set("fetch-timeout") {
		cfg.FetchTimeout = c.flags.fetchTimeout.String()
	}
	if set("store") {
		cfg.Store.Provider = c.flags.store
	}
	if set("store-path") {
		cfg.Store.Path = c.flags.storePath
	}
	return cfg, cfg.Validate()
}

// setupLogger sets the global logger: console output plus an optional log file.
func (c *CLI) setupLogger() (func(), error) {
	logLevel := zerolog.DebugLevel
	if c.flags.trace {
		logLevel = zerolog.TraceLevel
	}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: c.stdout}}
	var logFile *os.File
	if c.flags.logFile != "" {
		var err error
		logFile, err = os.OpenFile(c.flags.logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "open log file"), "path", c.flags.logFile)
		}
		logOutputs = append(logOutputs, logFile)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(logOutputs...)).
		Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return func() {
		if logFile != nil {
			logFile.Close()
		}
	}, nil
}

func (c *CLI) serve(cmd *cobra.Command) error {
	closeLog, err := c.setupLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := c.loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := cache.Open(cfg.Store.Provider, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	proxyConfig := cfg.ProxyConfig(store)
	proxyConfig.Logger = &log.Logger
	proxy := freshproxy.CreateProxy(proxyConfig)
	log.Info().Msgf("Proxying %s to %s (with store '%s')", cfg.Listen, cfg.Origin, cfg.Store.Provider)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return proxy.ListenAndServe(ctx, cfg.Listen)
	})
	if cfg.Admin != "" {
		srv := &http.Server{Addr: cfg.Admin, Handler: proxy.AdminHandler()}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Admin).Msg("Admin API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return zerr.With(zerr.Wrap(err, "admin server"), "addr", cfg.Admin)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err = g.Wait()
	log.Info().Msg("Proxy stopped")
	return err
}
