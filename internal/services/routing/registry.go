package routing

import (
	"errors"
	"fmt"

	"github.com/amerfu/llmrouter/internal/services/providers"
	"go.uber.org/zap"
)

// Entry pairs a provider's routing description with its adapter.
type Entry struct {
	Config  ProviderConfig
	Adapter providers.Provider
}

// Options carries the policy tables. Zero values use the defaults.
type Options struct {
	TaskStrategies map[TaskType]Strategy
	QualityRanking []string
}

// Registry holds the static provider set and answers ordered candidate
// lists. It is immutable after NewRegistry and safe for concurrent use.
type Registry struct {
	configs        []ProviderConfig
	byName         map[string]ProviderConfig
	adapters       map[string]providers.Provider
	taskStrategies map[TaskType]Strategy
	qualityRanking []string
	logger         *zap.Logger
}

func NewRegistry(entries []Entry, opts Options, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		configs:        make([]ProviderConfig, 0, len(entries)),
		byName:         make(map[string]ProviderConfig, len(entries)),
		adapters:       make(map[string]providers.Provider, len(entries)),
		taskStrategies: DefaultTaskStrategies(),
		qualityRanking: append([]string(nil), opts.QualityRanking...),
		logger:         logger,
	}

	for task, strategy := range opts.TaskStrategies {
		if !strategy.Valid() {
			return nil, &ConfigurationError{
				Field: "routing.task_strategies." + string(task),
				Err:   fmt.Errorf("%w %q", ErrInvalidStrategy, strategy),
			}
		}
		r.taskStrategies[task] = strategy
	}

	for i, e := range entries {
		cfg := e.Config
		if cfg.Name == "" {
			return nil, &ConfigurationError{Field: fmt.Sprintf("providers[%d].name", i), Err: errors.New("name is required")}
		}
		if _, dup := r.byName[cfg.Name]; dup {
			return nil, &ConfigurationError{Field: fmt.Sprintf("providers[%d].name", i), Err: fmt.Errorf("duplicate provider %q", cfg.Name)}
		}
		if cfg.CostPerPromptToken < 0 || cfg.CostPerCompletionToken < 0 {
			return nil, &ConfigurationError{Field: fmt.Sprintf("providers[%d].cost", i), Err: errors.New("token costs must not be negative")}
		}
		if e.Adapter == nil {
			return nil, &ConfigurationError{Field: fmt.Sprintf("providers[%d]", i), Err: fmt.Errorf("provider %q has no adapter", cfg.Name)}
		}

		r.configs = append(r.configs, cfg)
		r.byName[cfg.Name] = cfg
		r.adapters[cfg.Name] = e.Adapter
	}

	return r, nil
}

// CandidatesFor returns every provider ordered for the task or hint.
func (r *Registry) CandidatesFor(task TaskType, hint Strategy) ([]ProviderConfig, error) {
	if len(r.configs) == 0 {
		return nil, &ConfigurationError{Err: ErrNoProviders}
	}
	if hint != StrategyNone && !hint.Valid() {
		return nil, InvalidHintError(hint)
	}

	strategy, fellBack := ResolveStrategy(task, hint, r.taskStrategies)
	if fellBack {
		r.logger.Warn("No strategy mapped for task type, falling back to cost",
			zap.String("task_type", string(task)))
	}

	candidates := SortCandidates(r.configs, strategy, r.qualityRanking)

	r.logger.Debug("Resolved routing candidates",
		zap.String("task_type", string(task)),
		zap.String("strategy", string(strategy)),
		zap.Strings("candidates", names(candidates)))

	return candidates, nil
}

// Cheapest returns the provider with the lowest combined token cost.
func (r *Registry) Cheapest() (ProviderConfig, error) {
	if len(r.configs) == 0 {
		return ProviderConfig{}, &ConfigurationError{Err: ErrNoProviders}
	}
	return SortCandidates(r.configs, StrategyCost, nil)[0], nil
}

func (r *Registry) Get(name string) (ProviderConfig, bool) {
	cfg, ok := r.byName[name]
	return cfg, ok
}

func (r *Registry) Adapter(name string) (providers.Provider, bool) {
	p, ok := r.adapters[name]
	return p, ok
}

// Providers returns the registered providers in configuration order.
func (r *Registry) Providers() []ProviderConfig {
	out := make([]ProviderConfig, len(r.configs))
	copy(out, r.configs)
	return out
}

// TaskStrategies returns a copy of the effective task table.
func (r *Registry) TaskStrategies() map[TaskType]Strategy {
	out := make(map[TaskType]Strategy, len(r.taskStrategies))
	for k, v := range r.taskStrategies {
		out[k] = v
	}
	return out
}

func names(configs []ProviderConfig) []string {
	out := make([]string, len(configs))
	for i, c := range configs {
		out[i] = c.Name
	}
	return out
}
