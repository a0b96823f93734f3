package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// httpClient is used for calls to a running server.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// statusPayload mirrors the /status response fields the CLI prints.
type statusPayload struct {
	Providers []string `json:"providers"`
	Breakers  []struct {
		Provider            string `json:"provider"`
		State               string `json:"state"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
		TrialInFlight       bool   `json:"trial_in_flight"`
	} `json:"circuit_breakers"`
	Budget struct {
		SpentTodayUSD   float64 `json:"spent_today_usd"`
		SpentMonthUSD   float64 `json:"spent_month_usd"`
		DailyLimitUSD   float64 `json:"daily_limit_usd"`
		MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
		Ratio           float64 `json:"ratio"`
		Decision        string  `json:"decision"`
	} `json:"budget"`
	Latency []struct {
		Provider    string        `json:"provider"`
		SampleCount int64         `json:"sample_count"`
		Average     time.Duration `json:"average"`
		P95         time.Duration `json:"p95"`
	} `json:"observed_latency"`
}

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show breaker and budget state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimSuffix(g.serverURL, "/") + "/status"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("query %s: %w", url, err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("query %s: unexpected status %s", url, resp.Status)
			}

			var status statusPayload
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			if g.outputJSON {
				return g.outputJSONValue(status)
			}

			latency := make(map[string]string, len(status.Latency))
			for _, l := range status.Latency {
				if l.SampleCount > 0 {
					latency[l.Provider] = fmt.Sprintf("%s (p95 %s, n=%d)", l.Average, l.P95, l.SampleCount)
				}
			}

			rows := make([][]string, 0, len(status.Breakers))
			for _, b := range status.Breakers {
				observed := latency[b.Provider]
				if observed == "" {
					observed = "-"
				}
				rows = append(rows, []string{b.Provider, b.State, strconv.Itoa(b.ConsecutiveFailures), observed})
			}
			if err := g.outputTable([]string{"Provider", "Breaker", "Failures", "Observed_Latency"}, rows); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(g.out, "\nBudget: today %s / %s, month %s / %s, ratio %.2f, decision %s\n",
				formatUSD(status.Budget.SpentTodayUSD), formatUSD(status.Budget.DailyLimitUSD),
				formatUSD(status.Budget.SpentMonthUSD), formatUSD(status.Budget.MonthlyLimitUSD),
				status.Budget.Ratio, status.Budget.Decision)
			return nil
		},
	}
}
