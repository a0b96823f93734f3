package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newConfigCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect router configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if g.outputJSON {
				return g.outputJSONValue(map[string]any{"valid": true, "providers": len(cfg.Providers)})
			}
			_, _ = fmt.Fprintf(g.out, "Configuration is valid: %d providers\n", len(cfg.Providers))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective provider and policy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(cfg.Providers))
			for _, p := range cfg.Providers {
				rp := cfg.RoutingProvider(p)
				rows = append(rows, []string{
					p.Name,
					p.Type,
					p.Model,
					maskSecret(p.APIKey),
					rp.Timeout.String(),
					strconv.Itoa(p.MaxTokens),
				})
			}
			if err := g.outputTable([]string{"Name", "Type", "Model", "API_Key", "Timeout", "Max_Tokens"}, rows); err != nil {
				return err
			}
			if g.outputJSON {
				return nil
			}

			_, _ = fmt.Fprintf(g.out, "\nCircuit breaker: threshold=%d open=%s\n",
				cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.OpenDuration)
			_, _ = fmt.Fprintf(g.out, "Retry: max=%d base=%s cap=%s\n",
				cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
			_, _ = fmt.Fprintf(g.out, "Budget: daily=%s monthly=%s warn=%.2f downgrade=%.2f block=%.2f tz=%s\n",
				formatUSD(cfg.Budget.DailyLimitUSD), formatUSD(cfg.Budget.MonthlyLimitUSD),
				cfg.Budget.WarnThreshold, cfg.Budget.DowngradeThreshold, cfg.Budget.BlockThreshold,
				cfg.Budget.ResetTimezone)
			return nil
		},
	})

	return cmd
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "(unset)"
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}
