package config

import (
	"fmt"
	"time"

	"github.com/avaskys/reportpipe/pipeline"
)

// Build turns a parsed pipeline config into an executor. Stage names in the
// config must be registered; unknown names and bad retry settings are
// construction errors. Extra executor options (observer, logger) pass
// through.
func Build(reg *Registry, cfg *PipelineConfig, opts ...pipeline.Option) (*pipeline.Executor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	specs := make([]pipeline.StageSpec, 0, len(cfg.Stages))
	for i, ref := range cfg.Stages {
		if ref.Name == "" {
			return nil, fmt.Errorf("stage %d: name required", i)
		}
		stage, ok := reg.Get(ref.Name)
		if !ok {
			return nil, fmt.Errorf("stage %d: %q not in registry", i, ref.Name)
		}
		backoff := make([]time.Duration, 0, len(ref.Backoff))
		for _, d := range ref.Backoff {
			backoff = append(backoff, d.Duration())
		}
		specs = append(specs, pipeline.StageSpec{
			Stage: stage,
			Retry: pipeline.RetryPolicy{
				MaxAttempts: ref.MaxAttempts,
				Backoff:     backoff,
			},
			Timeout: ref.Timeout.Duration(),
		})
	}
	return pipeline.New(cfg.Name, specs, opts...)
}
