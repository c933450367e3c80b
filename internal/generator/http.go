package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPGenerator calls an external decision endpoint. The endpoint owns
// prompting and model inference; this side only ships market context and
// parses the decision that comes back.
type HTTPGenerator struct {
	modelID string
	client  *resty.Client
}

// NewHTTPGenerator creates a generator for one model against baseURL.
func NewHTTPGenerator(modelID, baseURL string, timeout time.Duration) *HTTPGenerator {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPGenerator{modelID: modelID, client: client}
}

// NewRegistry builds the generator registry for the given models, all
// pointed at the same decision endpoint.
func NewRegistry(models []string, baseURL string, timeout time.Duration) Registry {
	reg := make(Registry, len(models))
	for _, modelID := range models {
		reg[modelID] = NewHTTPGenerator(modelID, baseURL, timeout)
	}
	return reg
}

func (g *HTTPGenerator) Enabled() bool {
	return apiKey(g.modelID) != ""
}

func (g *HTTPGenerator) Decide(ctx context.Context, input Input) (Decision, error) {
	var decision Decision
	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey(g.modelID)).
		SetBody(input).
		SetResult(&decision).
		Post(fmt.Sprintf("/v1/decisions/%s", g.modelID))
	if err != nil {
		return Decision{}, fmt.Errorf("%s decision request: %w", g.modelID, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == 429 {
			return Decision{}, fmt.Errorf("%s decision request: rate limited (429)", g.modelID)
		}
		return Decision{}, fmt.Errorf("%s decision request: status %d: %s", g.modelID, resp.StatusCode(), resp.String())
	}
	if err := decision.Validate(); err != nil {
		return Decision{}, err
	}
	return decision, nil
}
