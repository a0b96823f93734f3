package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
)

// outputTable writes rows under headers, or a list of objects with --json.
func (g *globals) outputTable(headers []string, rows [][]string) error {
	if g.outputJSON {
		jsonRows := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			jsonRow := make(map[string]string, len(headers))
			for i, cell := range row {
				if i < len(headers) {
					jsonRow[strings.ToLower(headers[i])] = cell
				}
			}
			jsonRows = append(jsonRows, jsonRow)
		}
		return g.outputJSONValue(jsonRows)
	}

	w := tabwriter.NewWriter(g.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))

	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = "---"
	}
	_, _ = fmt.Fprintln(w, strings.Join(sep, "\t"))

	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func (g *globals) outputJSONValue(data any) error {
	encoder := json.NewEncoder(g.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func formatUSD(v float64) string {
	return fmt.Sprintf("$%.6f", v)
}

// formatPerThousand renders a per-token price as USD per 1k tokens.
func formatPerThousand(v float64) string {
	return fmt.Sprintf("$%.4f", v*1000)
}
