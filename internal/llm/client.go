package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/models"
)

// retryInstruction is appended to the prompt on the single malformed-output
// retry
const retryInstruction = "\n\nYour previous response was not valid JSON. Respond again with only the JSON object, no prose, no markdown fences."

// CallSpec describes one budgeted model call
type CallSpec struct {
	Stage           string
	System          string
	Prompt          string
	Schema          map[string]interface{}
	MaxOutputTokens int
	Timeout         time.Duration
	CorrelationID   string
}

// Result is the outcome of a budgeted call. Abstained covers the explicit
// sentinel, budget overruns, and unrecoverable malformed output: callers
// treat all three as "the model has nothing usable".
type Result struct {
	Raw       string
	Abstained bool
	Reason    string
	Cost      models.Cost
}

// Client wraps a model provider with admission control, per-stage budgets,
// abstention handling, and a single malformed-output retry. Every model call
// in the pipeline goes through Invoke.
type Client struct {
	provider interfaces.ModelProvider
	limiter  *rate.Limiter
	seed     int64
	auditor  *Auditor
	logger   arbor.ILogger
}

// NewClient creates a budgeted model client.
//
// Parameters:
//   - provider: The underlying model provider (Claude or Gemini)
//   - cfg: LLM configuration supplying admission rate and seed
//   - auditor: Audit sink for call records, may be nil
//   - logger: Structured logger for client operations
//
// Returns:
//   - *Client: Initialized client ready for use
func NewClient(provider interfaces.ModelProvider, cfg *common.LLMConfig, auditor *Auditor, logger arbor.ILogger) *Client {
	rps := cfg.AdmissionRPS
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.AdmissionBurst
	if burst <= 0 {
		burst = 4
	}
	return &Client{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		seed:     cfg.Seed,
		auditor:  auditor,
		logger:   logger,
	}
}

// Provider returns the name of the wrapped provider
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Auditor returns the audit sink, or nil when auditing is off
func (c *Client) Auditor() *Auditor {
	return c.auditor
}

// Invoke performs one model call under the call's budget. Exceeding the
// wall-clock or token budget yields an abstained result, never partial
// output. Malformed JSON is retried exactly once with a corrective
// instruction; a second failure also abstains.
func (c *Client) Invoke(ctx context.Context, spec CallSpec) (*Result, error) {
	if spec.Schema != nil {
		EnsureStrict(spec.Schema)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("admission wait cancelled: %w", err)
	}

	result := &Result{}

	resp, err := c.call(ctx, spec, spec.Prompt, result)
	if err != nil {
		if budgetReason, ok := budgetFailure(err); ok {
			c.logger.Warn().
				Str("stage", spec.Stage).
				Str("correlation_id", spec.CorrelationID).
				Str("reason", budgetReason).
				Msg("Model call exceeded budget, treating as abstention")
			result.Abstained = true
			result.Reason = budgetReason
			return result, nil
		}
		return nil, err
	}

	if IsAbstention(resp.Text) {
		result.Abstained = true
		result.Reason = "model_abstained"
		result.Raw = resp.Text
		return result, nil
	}

	if json.Valid([]byte(stripFences(resp.Text))) {
		result.Raw = stripFences(resp.Text)
		return result, nil
	}

	c.logger.Debug().
		Str("stage", spec.Stage).
		Str("correlation_id", spec.CorrelationID).
		Msg("Malformed model output, retrying once")

	resp, err = c.call(ctx, spec, spec.Prompt+retryInstruction, result)
	if err != nil {
		if budgetReason, ok := budgetFailure(err); ok {
			result.Abstained = true
			result.Reason = budgetReason
			return result, nil
		}
		return nil, err
	}

	if IsAbstention(resp.Text) {
		result.Abstained = true
		result.Reason = "model_abstained"
		result.Raw = resp.Text
		return result, nil
	}
	if !json.Valid([]byte(stripFences(resp.Text))) {
		result.Abstained = true
		result.Reason = "malformed_output"
		return result, nil
	}

	result.Raw = stripFences(resp.Text)
	return result, nil
}

// call performs a single provider round trip under the stage deadline,
// accumulating cost and audit records
func (c *Client) call(ctx context.Context, spec CallSpec, prompt string, result *Result) (*interfaces.ProviderResponse, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.provider.GenerateStructured(callCtx, &interfaces.ProviderRequest{
		System:          spec.System,
		Prompt:          prompt,
		Seed:            c.seed,
		MaxOutputTokens: spec.MaxOutputTokens,
		ResponseSchema:  spec.Schema,
	})
	duration := time.Since(start)

	if resp != nil {
		result.Cost.Add(models.Cost{TokensIn: resp.TokensIn, TokensOut: resp.TokensOut, ModelCalls: 1})
	} else {
		result.Cost.Add(models.Cost{ModelCalls: 1})
	}

	if c.auditor != nil {
		c.auditor.Record(spec, prompt, resp, duration, err)
	}

	if err != nil {
		return nil, err
	}

	if spec.MaxOutputTokens > 0 && resp.TokensOut > spec.MaxOutputTokens {
		return nil, fmt.Errorf("output of %d tokens exceeds stage budget of %d: %w", resp.TokensOut, spec.MaxOutputTokens, errTokenBudget)
	}

	return resp, nil
}

var errTokenBudget = errors.New("token budget exceeded")

// budgetFailure classifies an error as a budget overrun
func budgetFailure(err error) (string, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "time_budget_exceeded", true
	case errors.Is(err, errTokenBudget):
		return "token_budget_exceeded", true
	default:
		return "", false
	}
}
