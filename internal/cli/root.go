package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/forge/internal/config"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool

	// cfg is loaded once per invocation before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "A multi-tenant WebAssembly function engine",
	Long: `Forge runs tenant functions compiled to WebAssembly, each invocation in
its own sandbox with memory and time limits.

Start the server:
  forge serve

Run a module once without a server:
  forge run hello.wasm --payload '{"name":"forge"}'

Deploy every manifest under a directory:
  forge deploy ./functions`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		return setupLogging(&cfg.Logging)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./forge.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// loadConfig reads the config file named by --config, or searches the
// default locations. A missing default file is not an error.
func loadConfig() (*config.Config, error) {
	path, err := config.ConfigFilePath(cfgFile)
	if err != nil {
		if cfgFile != "" || !errors.Is(err, config.ErrConfigNotFound) {
			return nil, err
		}
		path = ""
	}

	loaded, err := config.Load(config.LoadOptions{ConfigFile: path})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if path != "" && verbose {
		log.Debug().Str("file", path).Msg("Using config file")
	}
	return loaded, nil
}

// setupLogging configures the global zerolog logger from the logging
// section of the config. --verbose forces debug level.
func setupLogging(lc *config.LoggingConfig) error {
	level := zerolog.InfoLevel
	if lc.Level != "" {
		parsed, err := zerolog.ParseLevel(lc.Level)
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		level = parsed
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if lc.Output != "" {
		f, err := os.OpenFile(lc.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log output: %w", err)
		}
		out = f
	}

	if lc.Format != "json" {
		// Pretty console output for development
		out = zerolog.ConsoleWriter{Out: out, NoColor: lc.Output != ""}
	}

	ctx := zerolog.New(out).With()
	if lc.Timestamp {
		ctx = ctx.Timestamp()
	}
	if lc.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	return nil
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("forge version %s", version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
