package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	_ "github.com/jacktea/urifs/pkg/backend/ftp"
	_ "github.com/jacktea/urifs/pkg/backend/httpfs"
	_ "github.com/jacktea/urifs/pkg/backend/s3"
	_ "github.com/jacktea/urifs/pkg/backend/sftp"
	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	_ "github.com/jacktea/urifs/pkg/localfs"
	"github.com/jacktea/urifs/pkg/logging"
	"github.com/jacktea/urifs/pkg/manager"
	"github.com/jacktea/urifs/pkg/uri"
)

type app struct {
	ctx     context.Context
	manager *manager.Manager
	conns   connstore.Store
	log     zerolog.Logger
	sep     string
	cleanup []func()
}

// settings is the slice of configuration the app is built from.
type settings struct {
	Cwd           string
	Separator     string
	CacheSize     int
	LogLevel      string
	LogFormat     string
	ConnectionsDB string
	// Drivers holds per-scheme driver options with the pool keys as
	// shared defaults.
	Drivers map[string]map[string]any
}

func loadSettings() settings {
	s := settings{
		Cwd:           viper.GetString("cwd"),
		Separator:     viper.GetString("separator"),
		CacheSize:     viper.GetInt("cache_size"),
		LogLevel:      viper.GetString("log_level"),
		LogFormat:     viper.GetString("log_format"),
		ConnectionsDB: viper.GetString("connections_db"),
		Drivers:       map[string]map[string]any{},
	}
	shared := map[string]any{
		"max_idle": viper.GetInt("pool.max_idle"),
		"max_keys": viper.GetInt("pool.max_keys"),
	}
	for _, name := range fs.Drivers() {
		cfg := make(map[string]any, len(shared))
		for k, v := range shared {
			cfg[k] = v
		}
		prefix := driverSection(name) + "."
		for _, key := range viper.AllKeys() {
			if strings.HasPrefix(key, prefix) {
				cfg[strings.TrimPrefix(key, prefix)] = viper.Get(key)
			}
		}
		s.Drivers[name] = cfg
	}
	return s
}

// driverSection names the config section read for a scheme.
func driverSection(scheme string) string {
	if scheme == "https" {
		return "http"
	}
	return scheme
}

func newApp(ctx context.Context, s settings, logOut io.Writer) (*app, error) {
	log, err := logging.New(logOut, s.LogLevel, s.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logging.SetDefault(log)
	a := &app{log: log, sep: s.Separator}

	if s.ConnectionsDB != "" {
		store, err := connstore.NewBoltStore(connstore.BoltConfig{Path: s.ConnectionsDB})
		if err != nil {
			return nil, fmt.Errorf("open connections: %w", err)
		}
		a.conns = store
		a.cleanup = append(a.cleanup, func() { _ = store.Close() })
	} else {
		a.conns = connstore.NewMemoryStore()
	}

	opts := manager.Options{Logger: &a.log, CacheSize: s.CacheSize}
	if s.Separator != "" {
		opts.Parser = &uri.Parser{Separator: regexp.MustCompile(regexp.QuoteMeta(s.Separator))}
	} else {
		a.sep = uri.DefaultSeparator
	}
	if s.Cwd != "" {
		cwd, err := workingDir(s.Cwd)
		if err != nil {
			return nil, err
		}
		opts.WorkingDir = cwd
	}
	a.manager = manager.New(opts)

	ctx = logging.WithContext(ctx, a.log)
	ctx = connstore.WithStore(ctx, a.conns)
	for _, name := range fs.Drivers() {
		cfg := s.Drivers[name]
		if cfg == nil {
			cfg = map[string]any{}
		}
		cfg["connections"] = a.conns
		cfg["finder"] = a.manager.Registry()
		h, err := fs.OpenDriver(ctx, name, cfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("driver %s: %w", name, err)
		}
		if closer, ok := h.(interface{ Close() error }); ok {
			a.cleanup = append(a.cleanup, func() { _ = closer.Close() })
		}
		a.manager.Register(h)
	}
	a.ctx = ctx
	return a, nil
}

// workingDir accepts an absolute URI or a local path.
func workingDir(s string) (*url.URL, error) {
	if uri.Scheme(s) != "" {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("cwd: %w", err)
		}
		return uri.WithTrailingSlash(u), nil
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return nil, fmt.Errorf("cwd: %w", err)
	}
	return uri.WithTrailingSlash(&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}), nil
}

// parse joins args into one URI so several arguments act as one batch.
func (a *app) parse(args ...string) (uri.URI, error) {
	return a.manager.Parse(strings.Join(args, a.sep))
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

var (
	cfgFile     string
	application *app
	rootCmd     = &cobra.Command{
		Use:           "urifs",
		Short:         "Copy, move and inspect files on any URI scheme",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if application != nil {
				return nil
			}
			a, err := newApp(cmd.Context(), loadSettings(), os.Stderr)
			if err != nil {
				return err
			}
			application = a
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if application != nil {
		application.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("urifs")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "urifs"))
		}
	}
	viper.SetEnvPrefix("URIFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	pf.String("cwd", "", "working directory for relative paths (URI or local path)")
	pf.String("separator", uri.DefaultSeparator, "separator between paths in one argument")
	pf.Int("cache-size", 0, "handler lookups cached by the registry (0 uses the default)")
	pf.String("log-level", "warn", "log level: debug|info|warn|error")
	pf.String("log-format", logging.FormatConsole, "log format: console|json")
	pf.String("connections-db", "", "BoltDB file holding named connections (empty keeps them in memory)")

	pf.Bool("s3-secure", true, "use TLS for s3 endpoints")
	pf.String("s3-region", "", "s3 region")
	pf.Int("pool-max-idle", 2, "idle ftp/sftp sessions kept per server")
	pf.Int("pool-max-keys", 64, "ftp/sftp servers tracked by the session pool")
	pf.Duration("http-timeout", 30*time.Second, "timeout for http and https requests")

	bindConfig("cwd", pf.Lookup("cwd"))
	bindConfig("separator", pf.Lookup("separator"))
	bindConfig("cache_size", pf.Lookup("cache-size"))
	bindConfig("log_level", pf.Lookup("log-level"))
	bindConfig("log_format", pf.Lookup("log-format"))
	bindConfig("connections_db", pf.Lookup("connections-db"))

	bindConfig("s3.secure", pf.Lookup("s3-secure"))
	bindConfig("s3.region", pf.Lookup("s3-region"))
	bindConfig("pool.max_idle", pf.Lookup("pool-max-idle"))
	bindConfig("pool.max_keys", pf.Lookup("pool-max-keys"))
	bindConfig("http.timeout", pf.Lookup("http-timeout"))
}

func initCommands() {
	rootCmd.AddCommand(
		newCpCmd(),
		newMvCmd(),
		newRmCmd(),
		newLsCmd(),
		newMkdirCmd(),
		newTouchCmd(),
		newCatCmd(),
		newPutCmd(),
		newInfoCmd(),
		newResolveCmd(),
		newConnCmd(),
		newServeHTTPCmd(),
		newServeS3Cmd(),
	)
}
