package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amerfu/llmrouter/internal/app"
	"github.com/amerfu/llmrouter/internal/services/dispatcher"
	"github.com/amerfu/llmrouter/internal/services/routing"
)

type routeFlags struct {
	task          string
	strategy      string
	prompt        string
	maxTokens     int
	stream        bool
	callerContext string
}

func newRouteCommand(g *globals) *cobra.Command {
	f := &routeFlags{}

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route a prompt through the provider chain",
		Long: `Send one prompt through the configured providers with breaker, retry and
budget policy applied. The generated text goes to stdout and the routing
summary to stderr. Use --prompt - to read the prompt from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, g, f)
		},
	}

	cmd.Flags().StringVar(&f.task, "task", string(routing.TaskGeneral), "task type (qualification, enrichment, general, deep_research)")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "strategy hint (cost, latency, quality)")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "prompt text, or - for stdin")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "completion token cap (0 uses the provider limit)")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "stream the completion")
	cmd.Flags().StringVar(&f.callerContext, "caller", "", "caller context forwarded to the usage event")

	return cmd
}

func runRoute(cmd *cobra.Command, g *globals, f *routeFlags) error {
	strategy, err := routing.ParseStrategy(f.strategy)
	if err != nil {
		return err
	}
	prompt, err := readPrompt(cmd.InOrStdin(), f.prompt)
	if err != nil {
		return err
	}

	cfg, err := g.config()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg, g.logger(), app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}()

	req := dispatcher.RoutingRequest{
		TaskType:      routing.ParseTaskType(f.task),
		StrategyHint:  strategy,
		Prompt:        prompt,
		MaxTokens:     f.maxTokens,
		Stream:        f.stream,
		CallerContext: f.callerContext,
	}

	var resp *dispatcher.RoutingResponse
	if f.stream {
		resp, err = streamRoute(ctx, g, a.Dispatcher, req)
	} else {
		resp, err = a.Dispatcher.Route(ctx, req)
		if err == nil && !g.outputJSON {
			_, _ = fmt.Fprintln(g.out, resp.Content)
		}
	}
	if err != nil {
		printChain(cmd.ErrOrStderr(), chainOf(err))
		return err
	}

	if g.outputJSON {
		return g.outputJSONValue(resp)
	}
	printSummary(cmd.ErrOrStderr(), resp)
	return nil
}

func streamRoute(ctx context.Context, g *globals, d *dispatcher.Dispatcher, req dispatcher.RoutingRequest) (*dispatcher.RoutingResponse, error) {
	s, err := d.RouteStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !g.outputJSON {
			_, _ = io.WriteString(g.out, chunk)
		}
	}
	if !g.outputJSON {
		_, _ = fmt.Fprintln(g.out)
	}
	return s.Response(), nil
}

func readPrompt(stdin io.Reader, flag string) (string, error) {
	if flag != "-" {
		if strings.TrimSpace(flag) == "" {
			return "", errors.New("--prompt is required")
		}
		return flag, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", errors.New("empty prompt on stdin")
	}
	return string(b), nil
}

func chainOf(err error) []dispatcher.Attempt {
	var exhausted *dispatcher.AllProvidersExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.FallbackChain
	}
	var aborted *dispatcher.AbortedError
	if errors.As(err, &aborted) {
		return aborted.FallbackChain
	}
	var cancelled *dispatcher.CancelledError
	if errors.As(err, &cancelled) {
		return cancelled.FallbackChain
	}
	return nil
}

func printSummary(w io.Writer, resp *dispatcher.RoutingResponse) {
	if resp == nil {
		return
	}
	_, _ = fmt.Fprintf(w, "provider=%s model=%s strategy=%s tokens=%d/%d cost=%s latency=%dms calls=%d",
		resp.ProviderUsed, resp.Model, resp.Strategy, resp.PromptTokens, resp.CompletionTokens,
		formatUSD(resp.CostUSD), resp.LatencyMs, resp.AttemptCount)
	if resp.Downgraded {
		_, _ = fmt.Fprint(w, " downgraded=true")
	}
	_, _ = fmt.Fprintln(w)
	printChain(w, resp.FallbackChain)
}

func printChain(w io.Writer, chain []dispatcher.Attempt) {
	if len(chain) <= 1 {
		return
	}
	for i, a := range chain {
		_, _ = fmt.Fprintf(w, "  %d. %s %s calls=%d", i+1, a.Provider, a.Outcome, a.Calls)
		if a.Error != "" {
			_, _ = fmt.Fprintf(w, " error=%q", a.Error)
		}
		_, _ = fmt.Fprintln(w)
	}
}
