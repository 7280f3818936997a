package cmd

import (
	"errors"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lepinkainen/humanlog"
	"github.com/spf13/viper"

	"github.com/lepinkainen/shelfmatch/internal/config"
)

// CLI represents the complete command structure for the shelfmatch application
type CLI struct {
	Verbose bool `short:"v" help:"Enable debug logging"`

	// Output flags
	Overwrite bool   `help:"Overwrite existing result files"`
	OutputDir string `short:"o" help:"Directory result files are written to (config: output.dir, default ./results/)"`
	Format    string `help:"Result file format, json or yaml (config: output.format, default json)"`
	TUI       bool   `help:"Show an interactive progress view instead of log lines"`

	// Store flags
	StoreBackend string `help:"Job store backend, memory or sqlite (config: store.backend, default sqlite)"`
	StoreDBFile  string `help:"Path to the job store SQLite database (config: store.dbfile or SHELFMATCH_DB, default ./shelfmatch.db)"`
	StoreTTL     string `help:"How long job data and cached lookups live, e.g. 24h (config: store.ttl)"`

	Wishlist     WishlistCmd     `cmd:"" help:"Add a Goodreads shelf to a BookMooch wishlist"`
	Availability AvailabilityCmd `cmd:"" help:"Check which books on a Goodreads shelf an OverDrive library has"`
	Store        StoreCmd        `cmd:"" help:"Maintain the job store"`
}

// WishlistCmd represents the wishlist import command
type WishlistCmd struct {
	Input    string `short:"f" help:"Path to Goodreads library export CSV file"`
	Shelf    string `help:"Goodreads shelf to import (config: goodreads.shelf, default to-read)"`
	Username string `help:"BookMooch username"`
	Password string `help:"BookMooch password"`
}

// AvailabilityCmd represents the library availability command
type AvailabilityCmd struct {
	Input   string `short:"f" help:"Path to Goodreads library export CSV file"`
	Shelf   string `help:"Goodreads shelf to check (config: goodreads.shelf, default to-read)"`
	Library string `short:"l" help:"OverDrive library id"`
	Token   string `help:"OverDrive API access token"`
}

// StoreCmd groups job store maintenance commands
type StoreCmd struct {
	Sweep StoreSweepCmd `cmd:"" help:"Remove expired entries from the job store"`
}

// StoreSweepCmd represents the store sweep command
type StoreSweepCmd struct{}

// Execute runs the Kong-based CLI
func Execute() {
	initLogging(false)
	initConfig()

	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("shelfmatch"),
		kong.Description("Match a Goodreads shelf against the BookMooch wishlist and OverDrive library availability."),
		kong.UsageOnError(),
	)

	if cli.Verbose {
		initLogging(true)
	}
	updateGlobalConfig(&cli)

	if err := ctx.Run(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env never overrides variables already set in the environment
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	config.SetDefaults()

	viper.AutomaticEnv()
	if err := config.BindEnv(); err != nil {
		slog.Error("Failed to bind environment variable", "error", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("Fatal error config file", "error", err)
			os.Exit(1)
		}
		slog.Debug("Config file not found, using defaults and environment")
	}
}

// updateGlobalConfig copies flags given on the command line into viper. Unset
// flags leave the config file, environment and defaults in charge.
func updateGlobalConfig(cli *CLI) {
	if cli.Overwrite {
		viper.Set("OverwriteFiles", true)
	}
	config.SetOverwriteFiles(viper.GetBool("OverwriteFiles"))
	if cli.TUI {
		viper.Set("output.tui", true)
	}

	for key, value := range map[string]string{
		"output.dir":    cli.OutputDir,
		"output.format": cli.Format,
		"store.backend": cli.StoreBackend,
		"store.dbfile":  cli.StoreDBFile,
		"store.ttl":     cli.StoreTTL,
	} {
		if value != "" {
			viper.Set(key, value)
		}
	}
}

func initLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := humanlog.NewHandler(os.Stdout, &humanlog.Options{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
}
