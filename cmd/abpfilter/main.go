package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/abpfilter/internal/logging"
	"github.com/bnema/abpfilter/internal/models"
)

var (
	cfgFile  string
	logLevel string
	cfg      models.Config
	logger   *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "abpfilter",
	Short: "Match HTTP requests against Adblock Plus filter lists",
	Long: `A tool that loads Adblock Plus filter lists into a domain-indexed
store and decides whether requests should be blocked, allowed or left alone.`,
	SilenceUsage: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured filter lists",
	RunE:  runList,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE:  runInit,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./configs/filter_lists.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	loadCmd.Flags().StringP("output", "o", "", "write a manifest into this directory")
	loadCmd.Flags().String("format", "json", "manifest format: json, yaml or toml")
	loadCmd.Flags().Bool("verbose", false, "verbose output")
	loadCmd.Flags().Int("concurrency", 4, "lists fetched in parallel")

	checkCmd.Flags().String("referer", "", "Referer header of the request")
	checkCmd.Flags().String("content-type", "", "Content-Type header of the response")
	checkCmd.Flags().Bool("xhr", false, "send X-Requested-With: XMLHttpRequest")
	checkCmd.Flags().IntSlice("disable", nil, "categories to disable")
	checkCmd.Flags().Bool("verbose", false, "print every candidate filter")

	rootCmd.AddCommand(loadCmd, checkCmd, watchCmd, listCmd, initCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("filter_lists")
		viper.SetConfigType("toml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	// Set defaults
	def := models.Defaults()
	viper.SetDefault("log.level", def.Log.Level)
	viper.SetDefault("http.timeout", def.HTTP.Timeout)
	viper.SetDefault("http.retries", def.HTTP.Retries)
	viper.SetDefault("http.user_agent", def.HTTP.UserAgent)
	viper.SetDefault("cache.dir", def.Cache.Dir)
	viper.SetDefault("cache.ttl", def.Cache.TTL)
	viper.SetDefault("store.expected_domains", def.Store.ExpectedDomains)
	viper.SetDefault("store.false_positive_rate", def.Store.FalsePositiveRate)
	viper.SetDefault("store.freeze", def.Store.Freeze)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		}
	}

	if err := decodeConfig(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger = logging.New(os.Stderr, level)
}

func decodeConfig(out *models.Config) error {
	var c models.Config
	err := viper.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	*out = c
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	fmt.Println("Configured filter lists:")
	fmt.Println()
	for _, list := range cfg.Lists {
		status := "enabled"
		if !list.Enabled {
			status = "disabled"
		}
		fmt.Printf("  [%s] %s (category %d)\n", status, list.Name, list.Category)
		fmt.Printf("         %s\n\n", list.URL)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := "./configs/filter_lists.toml"
	if cfgFile != "" {
		configPath = cfgFile
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	defaultConfig := `# abpfilter configuration

[log]
level = "info"

# HTTP client settings
[http]
timeout = "30s"
retries = 3

# Downloaded lists are kept here and refreshed after ttl
[cache]
dir = "./cache"
ttl = "24h"

# Domain index settings
[store]
expected_domains = 100000
false_positive_rate = 0.01
freeze = false

# Filter lists to load
# Each list needs a distinct category id; set enabled = false to skip it

[[lists]]
name = "easylist"
url = "https://easylist.to/easylist/easylist.txt"
category = 1
enabled = true

[[lists]]
name = "easyprivacy"
url = "https://easylist.to/easylist/easyprivacy.txt"
category = 2
enabled = true

[[lists]]
name = "ublock-filters"
url = "https://ublockorigin.github.io/uAssets/filters/filters.txt"
category = 3
enabled = false

[[lists]]
name = "peter-lowe"
url = "https://pgl.yoyo.org/adservers/serverlist.php?hostformat=adblockplus&showintro=0&mimetype=plaintext"
category = 4
enabled = true
`

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
		return err
	}

	fmt.Printf("Created config file: %s\n", configPath)
	return nil
}
