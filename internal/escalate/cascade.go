package escalate

import (
	"context"
	_ "embed"
	"log/slog"
	"time"
)

//go:embed prompts/critique.txt
var critiquePrompt string

const defaultCallTimeout = 60 * time.Second

// Cascade drives Stage-2 escalation through a provider. Each call gets a
// per-attempt timeout and one immediate retry with the identical payload.
// Failures are returned as *CallError so the caller can record a
// needs-human-review outcome instead of aborting the run.
type Cascade struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
}

func NewCascade(provider Provider, timeout time.Duration, logger *slog.Logger) *Cascade {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "escalate"), slog.String("provider", provider.Name())),
	}
}

func (c *Cascade) ProviderName() string {
	return c.provider.Name()
}

// Escalate runs the consolidated critique call for one image. The returned
// error, when non-nil, is always a *CallError.
func (c *Cascade) Escalate(ctx context.Context, imageData []byte) (*Verdict, error) {
	verdict, err := c.attempt(ctx, imageData)
	if err == nil {
		return verdict, nil
	}
	if ctx.Err() != nil {
		return nil, classifyError(ctx.Err())
	}

	callErr := classifyError(err)
	c.logger.Warn("escalation attempt failed, retrying",
		slog.String("kind", string(callErr.Kind)),
		slog.String("error", callErr.Err.Error()))

	verdict, err = c.attempt(ctx, imageData)
	if err == nil {
		return verdict, nil
	}
	return nil, classifyError(err)
}

func (c *Cascade) attempt(ctx context.Context, imageData []byte) (*Verdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.provider.Critique(callCtx, imageData, critiquePrompt)
}
