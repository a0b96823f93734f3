package commands

import (
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/llmrouter/internal/config"
	"github.com/amerfu/llmrouter/internal/logger"
)

// globals carries the persistent flags and the lazily loaded config.
type globals struct {
	configPath string
	serverURL  string
	outputJSON bool
	verbose    bool
	out        io.Writer

	cfg *config.Config
	log *zap.Logger
}

// NewRootCommand builds routerctl writing its output to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	g := &globals{out: out}

	rootCmd := &cobra.Command{
		Use:           "routerctl",
		Short:         "llmrouter command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Route prompts through the configured provider chain, inspect candidate
ordering and validate configuration. The status command queries a running
llmrouter server.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return nil
		},
	}
	rootCmd.SetOut(out)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file or directory (default ./config.yaml, ./config, /etc/llmrouter)")
	rootCmd.PersistentFlags().StringVar(&g.serverURL, "server-url", "http://localhost:8080", "diagnostics server base URL")
	rootCmd.PersistentFlags().BoolVar(&g.outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "log routing decisions to stderr")

	rootCmd.AddCommand(newRouteCommand(g))
	rootCmd.AddCommand(newProvidersCommand(g))
	rootCmd.AddCommand(newConfigCommand(g))
	rootCmd.AddCommand(newStatusCommand(g))

	return rootCmd
}

// config loads and validates the configuration once.
func (g *globals) config() (*config.Config, error) {
	if g.cfg != nil {
		return g.cfg, nil
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	g.cfg = cfg
	return cfg, nil
}

// logger stays quiet unless --verbose is set; stdout belongs to the output.
func (g *globals) logger() *zap.Logger {
	if g.log != nil {
		return g.log
	}
	g.log = zap.NewNop()
	if g.verbose && g.cfg != nil {
		lc := g.cfg.Logging
		lc.Level = "debug"
		lc.OutputPath = "stderr"
		if l, err := logger.Initialize(lc); err == nil {
			g.log = l
		}
	}
	return g.log
}
