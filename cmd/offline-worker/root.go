package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	offline "github.com/infracollect/offline-worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings is the effective configuration: defaults, then the config file,
// then OFFLINE_WORKER_* environment variables, then flags.
type settings struct {
	Name                   string   `mapstructure:"name" yaml:"name"`
	Version                string   `mapstructure:"version" yaml:"version"`
	Scope                  string   `mapstructure:"scope" yaml:"scope"`
	Precache               []string `mapstructure:"precache" yaml:"precache"`
	OfflineURL             string   `mapstructure:"offline_url" yaml:"offline_url"`
	SyncTag                string   `mapstructure:"sync_tag" yaml:"sync_tag"`
	SkipWaitingMessage     string   `mapstructure:"skip_waiting_message" yaml:"skip_waiting_message"`
	DisableAutoSkipWaiting bool     `mapstructure:"disable_auto_skip_waiting" yaml:"disable_auto_skip_waiting"`

	Listen       string `mapstructure:"listen" yaml:"listen"`
	FetchTimeout string `mapstructure:"fetch_timeout" yaml:"fetch_timeout"` // "0" for none, e.g. "30s"

	Storage storageSettings `mapstructure:"storage" yaml:"storage"`
	OTel    otelSettings    `mapstructure:"otel" yaml:"otel"`
}

type storageSettings struct {
	Driver      string `mapstructure:"driver" yaml:"driver"` // memory, filesystem, sqlite or redis
	Path        string `mapstructure:"path" yaml:"path,omitempty"`
	RedisURL    string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix,omitempty"`
}

type otelSettings struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
}

func (s settings) workerConfig() offline.Config {
	return offline.Config{
		Name:                   s.Name,
		Version:                s.Version,
		Scope:                  s.Scope,
		Precache:               s.Precache,
		OfflineURL:             s.OfflineURL,
		SyncTag:                s.SyncTag,
		SkipWaitingMessage:     s.SkipWaitingMessage,
		DisableAutoSkipWaiting: s.DisableAutoSkipWaiting,
	}
}

// cli carries state shared by all commands.
type cli struct {
	v        *viper.Viper
	cfgFile  string
	verbose  bool
	settings settings
	logger   logr.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	setDefaults(c.v)

	cmd := &cobra.Command{
		Use:   "offline-worker",
		Short: "Offline cache worker host",
		Long: `offline-worker runs an offline cache worker in front of a web origin: it precaches
a versioned cache generation, serves requests cache-first with background
revalidation and falls back to cached documents when the origin is unreachable.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.offline-worker/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	cmd.PersistentFlags().String("storage", "", "storage driver: memory, filesystem, sqlite or redis")

	cmd.AddCommand(
		c.newServeCmd(),
		c.newGenerationsCmd(),
		c.newConfigCmd(),
	)
	return cmd
}

// flagKeys maps config keys to the flags that override them.
var flagKeys = map[string]string{
	"storage.driver": "storage",
	"listen":         "listen",
	"scope":          "scope",
}

// bindFlags binds the flags cmd knows about to their config keys.
func (c *cli) bindFlags(cmd *cobra.Command) error {
	for key, name := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := c.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "hustle-year")
	v.SetDefault("version", "v10")
	v.SetDefault("scope", "http://localhost:3000/")
	v.SetDefault("precache", []string{"/", "/index.html"})
	v.SetDefault("offline_url", offline.DefaultOfflineURL)
	v.SetDefault("sync_tag", offline.DefaultSyncTag)
	v.SetDefault("skip_waiting_message", offline.DefaultSkipWaitingMessage)
	v.SetDefault("disable_auto_skip_waiting", false)
	v.SetDefault("listen", ":8080")
	v.SetDefault("fetch_timeout", "0")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.redis_prefix", "")
	v.SetDefault("otel.endpoint", "")
}

// load reads the config file, environment and cmd's flags into c.settings
// and sets up logging.
func (c *cli) load(cmd *cobra.Command) error {
	if err := c.bindFlags(cmd); err != nil {
		return err
	}

	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		c.v.AddConfigPath(filepath.Join(home, ".offline-worker"))
		c.v.SetConfigName("config")
		c.v.SetConfigType("yaml")
	}

	c.v.SetEnvPrefix("OFFLINE_WORKER")
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := c.v.Unmarshal(&c.settings); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// Configure logging: slog -> logr -> library
	logLevel := slog.LevelInfo
	if c.verbose {
		logLevel = slog.LevelDebug
	}
	slogHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	c.logger = logr.FromSlogHandler(slogHandler)
	return nil
}
