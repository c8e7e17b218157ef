package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrStrategyUnavailable wraps provider timeouts and failures. The
// orchestrator treats it as a degradation, never a task failure.
var ErrStrategyUnavailable = errors.New("strategy provider unavailable")

// Input is the task context handed to a strategy provider.
type Input struct {
	TaskID      string `json:"task_id"`
	Domain      string `json:"domain"`
	Description string `json:"description"`
	Score       int    `json:"score"`

	// Degraded requests the provider's reduced-capability mode. Set on
	// the fallback attempt after a full-capability invocation failed.
	Degraded bool `json:"degraded,omitempty"`
}

// Result is a single strategy invocation's analysis payload.
type Result struct {
	StrategyID string `json:"strategy_id"`
	Payload    string `json:"payload"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// ConsensusResult carries per-rater verdicts plus the computed
// resolution for a consensus-critical strategy.
type ConsensusResult struct {
	StrategyID string         `json:"strategy_id"`
	Verdicts   []RaterVerdict `json:"verdicts"`
	Resolution Resolution     `json:"resolution"`
}

// Provider is the external enhancement-strategy collaborator. An
// invocation may block on an external analysis service; callers bound
// it with a context deadline and treat expiry as ErrStrategyUnavailable.
type Provider interface {
	// Invoke runs a single enhancement strategy.
	Invoke(ctx context.Context, strategyID string, input Input) (*Result, error)

	// Consensus runs a multi-rater strategy and resolves the verdicts.
	Consensus(ctx context.Context, strategyID string, raters []RaterConfig, input Input) (*ConsensusResult, error)
}

// HTTPProvider invokes strategies over a narrow HTTP contract:
// POST {base}/invoke and POST {base}/consensus with JSON bodies.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider against the given base URL.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type invokeRequest struct {
	StrategyID string        `json:"strategy_id"`
	Input      Input         `json:"input"`
	Raters     []RaterConfig `json:"raters,omitempty"`
}

// Invoke implements Provider.
func (p *HTTPProvider) Invoke(ctx context.Context, strategyID string, input Input) (*Result, error) {
	var result Result
	if err := p.post(ctx, "/invoke", invokeRequest{StrategyID: strategyID, Input: input}, &result); err != nil {
		return nil, err
	}
	if result.StrategyID == "" {
		result.StrategyID = strategyID
	}
	result.Degraded = result.Degraded || input.Degraded
	return &result, nil
}

// Consensus implements Provider. The resolution returned by the remote
// end is recomputed locally so a provider cannot smuggle in a
// tie-breaker the policy does not allow.
func (p *HTTPProvider) Consensus(ctx context.Context, strategyID string, raters []RaterConfig, input Input) (*ConsensusResult, error) {
	if err := ValidateRaters(raters); err != nil {
		return nil, err
	}

	var result ConsensusResult
	if err := p.post(ctx, "/consensus", invokeRequest{StrategyID: strategyID, Input: input, Raters: raters}, &result); err != nil {
		return nil, err
	}

	resolution, err := Resolve(result.Verdicts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStrategyUnavailable, err)
	}
	result.StrategyID = strategyID
	result.Resolution = resolution
	return &result, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStrategyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrStrategyUnavailable, resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response: %v", ErrStrategyUnavailable, err)
	}
	return nil
}
