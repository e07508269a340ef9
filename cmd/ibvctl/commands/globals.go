package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/tensorwire/internal/config"
	"github.com/piwi3910/tensorwire/internal/ibv"
	"github.com/piwi3910/tensorwire/internal/metrics"
)

// Output formats.
const (
	OutputTable = "table"
	OutputYAML  = "yaml"
	OutputJSON  = "json"
)

// Globals holds the persistent flags and the configuration they produce.
type Globals struct {
	ConfigPath string
	Output     string
	Debug      bool
	Options    config.Options

	portNum  int
	gidIndex int

	// Config is set by Init before any subcommand runs.
	Config *config.Config
}

// Register adds the persistent flags to the root command.
func (g *Globals) Register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&g.ConfigPath, "config", "", "Path to configuration file")
	flags.StringVarP(&g.Output, "output", "o", OutputTable, "Output format: table, yaml or json")
	flags.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	flags.StringVar(&g.Options.LogLevel, "log-level", "", "Log level (overrides config)")
	flags.BoolVar(&g.Options.Simulated, "simulated", false, "Use the in-memory driver instead of libibverbs")
	flags.StringVar(&g.Options.DeviceName, "device", "", "RDMA device name (e.g. mlx5_0)")
	flags.IntVar(&g.portNum, "port", 1, "Device port number")
	flags.IntVar(&g.gidIndex, "gid-index", 0, "GID table index")
}

// Init loads the configuration and sets up logging.
func (g *Globals) Init(cmd *cobra.Command, _ []string) error {
	switch g.Output {
	case OutputTable, OutputYAML, OutputJSON:
	default:
		return fmt.Errorf("unknown output format: %s", g.Output)
	}

	if g.Debug {
		g.Options.LogLevel = zerolog.LevelDebugValue
	}
	if cmd.Flags().Changed("port") {
		g.Options.PortNum = &g.portNum
	}
	if cmd.Flags().Changed("gid-index") {
		g.Options.GIDIndex = &g.gidIndex
	}
	cfg, err := config.Load(g.ConfigPath, g.Options)
	if err != nil {
		return err
	}
	g.Config = cfg

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	if level <= zerolog.DebugLevel {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = log.Output(cmd.ErrOrStderr())
	}

	metrics.Init()
	return nil
}

// OpenBinding returns the driver binding selected by the configuration.
func (g *Globals) OpenBinding() (*ibv.Binding, error) {
	if g.Config.RDMA.Simulated {
		log.Debug().Msg("Using simulated RDMA driver")
		return ibv.NewBinding(ibv.NewSimulatedLibrary()), nil
	}
	b, err := ibv.OpenLibrary()
	if err != nil {
		return nil, fmt.Errorf("%w (rerun with --simulated to use the in-memory driver)", err)
	}
	return b, nil
}

// closeBinding closes b, logging instead of failing the command.
func closeBinding(b *ibv.Binding) {
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close driver binding")
	}
}
