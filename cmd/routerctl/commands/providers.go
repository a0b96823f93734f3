package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amerfu/llmrouter/internal/app"
	"github.com/amerfu/llmrouter/internal/services/routing"
)

func newProvidersCommand(g *globals) *cobra.Command {
	var task, hint string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show the candidate order for a task",
		Long:  "List the configured providers in the order the router would try them for a task type and optional strategy hint",
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := routing.ParseStrategy(hint)
			if err != nil {
				return err
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			registry, err := app.BuildRegistry(cfg, g.logger(), nil)
			if err != nil {
				return err
			}

			taskType := routing.ParseTaskType(task)
			candidates, err := registry.CandidatesFor(taskType, strategy)
			if err != nil {
				return err
			}
			resolved, _ := routing.ResolveStrategy(taskType, strategy, registry.TaskStrategies())

			if !g.outputJSON {
				_, _ = fmt.Fprintf(g.out, "Task: %s  Strategy: %s\n\n", taskType, resolved)
			}

			rows := make([][]string, 0, len(candidates))
			for i, p := range candidates {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					p.Name,
					p.Type,
					p.ModelID,
					formatPerThousand(p.CostPerPromptToken),
					formatPerThousand(p.CostPerCompletionToken),
					strconv.Itoa(p.AverageLatencyMs),
					strconv.Itoa(p.PriorityRank),
				})
			}
			return g.outputTable([]string{"Order", "Name", "Type", "Model", "Prompt/1k", "Completion/1k", "Latency_ms", "Priority"}, rows)
		},
	}

	cmd.Flags().StringVar(&task, "task", string(routing.TaskGeneral), "task type (qualification, enrichment, general, deep_research)")
	cmd.Flags().StringVar(&hint, "strategy", "", "strategy hint (cost, latency, quality)")

	return cmd
}
