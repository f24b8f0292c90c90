package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// titleSchema constrains session-title generation to a single short field.
var titleSchema = json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"],"additionalProperties":false}`)

// Council is the deliberation engine. It owns the backend connection, the
// price book, and the optional progress observer, and it carries no session
// state: one Council safely serves any number of concurrent sessions.
type Council struct {
	backend  Backend
	pricing  *PriceBook
	progress ProgressFunc
}

// CouncilOption configures a Council.
type CouncilOption func(*Council)

// WithPricing replaces the built-in price book.
func WithPricing(book *PriceBook) CouncilOption {
	return func(c *Council) {
		if book != nil {
			c.pricing = book
		}
	}
}

// NewCouncil creates a deliberation engine over the given backend.
func NewCouncil(backend Backend, opts ...CouncilOption) *Council {
	c := &Council{
		backend: backend,
		pricing: DefaultPriceBook(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithObserver returns a copy of the council that reports progress events to
// fn for every session run through it. The original council is untouched, so
// each request can install its own observer.
func (c *Council) WithObserver(fn ProgressFunc) *Council {
	clone := *c
	clone.progress = fn
	return &clone
}

// Query runs a single deliberation round and returns the ordered slots, one
// per council member.
func (c *Council) Query(ctx context.Context, prompt string, cfg CouncilConfig) (RoundResult, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("council has no models")
	}

	opts := cfg.Defaults.queryOptions()
	reporter := newProgressReporter(c.progress)
	transcript := runConsensusRounds(ctx, c.backend, cfg, prompt, opts, 1, cfg.Defaults.timeLimit(), reporter)
	reporter.close()

	round := transcript[0]
	c.attachCosts(round)
	return round, nil
}

// QueryWithConsensus runs a full session: the configured number of rounds,
// the optional synthesis, and the cost and latency roll-up. Cancellation
// mid-session still yields a well-formed response whose unfinished slots are
// cancelled errors; the error return is reserved for unusable input.
func (c *Council) QueryWithConsensus(ctx context.Context, prompt string, cfg CouncilConfig) (*ConsensusResponse, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("council has no models")
	}

	opts := cfg.Defaults.queryOptions()
	reporter := newProgressReporter(c.progress)

	transcript := runConsensusRounds(ctx, c.backend, cfg, prompt, opts, effectiveRounds(cfg), cfg.Defaults.timeLimit(), reporter)
	resp := &ConsensusResponse{Rounds: transcript}

	if cfg.Defaults.Single {
		synthesis := synthesize(ctx, c.backend, cfg, prompt, transcript, opts)
		resp.Synthesis = &synthesis
	}
	reporter.close()

	for _, round := range transcript {
		c.attachCosts(round)
	}
	if resp.Synthesis != nil {
		c.attachCost(resp.Synthesis)
	}
	resp.Metadata = c.computeMetadata(resp)
	return resp, nil
}

// effectiveRounds resolves the round count: the council's explicit setting
// wins, then the defaults block, then a single round.
func effectiveRounds(cfg CouncilConfig) int {
	if cfg.Rounds > 0 {
		return cfg.Rounds
	}
	if cfg.Defaults.Rounds > 0 {
		return cfg.Defaults.Rounds
	}
	return 1
}

// attachCosts prices every slot of a settled round.
func (c *Council) attachCosts(round RoundResult) {
	for i := range round {
		c.attachCost(&round[i])
	}
}

// attachCost fills Meta.EstimatedCost from the price book when the backend
// reported usage. Failed slots have no meta and stay free.
func (c *Council) attachCost(r *ModelResponse) {
	if r.Meta == nil || r.Meta.EstimatedCost != 0 {
		return
	}
	r.Meta.EstimatedCost = c.pricing.Estimate(r.Model, r.Meta.TotalTokens)
}

// computeMetadata rolls the whole session up. Synthesis counts toward the
// totals, and the latency average covers every response that carries meta,
// across all rounds.
func (c *Council) computeMetadata(resp *ConsensusResponse) *ConsensusMetadata {
	meta := &ConsensusMetadata{}
	if len(resp.Rounds) > 0 {
		meta.ModelCount = len(resp.Rounds[0])
	}

	var latencySum, latencyCount int64
	add := func(r ModelResponse) {
		if r.Meta == nil {
			return
		}
		if r.Meta.EstimatedCost > 0 {
			meta.TotalCost += r.Meta.EstimatedCost
		} else if r.Meta.TotalTokens > 0 {
			meta.TotalCost += c.pricing.Estimate(r.Model, r.Meta.TotalTokens)
		}
		meta.TotalTokens += r.Meta.TotalTokens
		latencySum += r.Meta.LatencyMs
		latencyCount++
	}

	for _, round := range resp.Rounds {
		for _, r := range round {
			add(r)
		}
	}
	if resp.Synthesis != nil {
		add(*resp.Synthesis)
	}
	if latencyCount > 0 {
		meta.AverageLatencyMs = latencySum / latencyCount
	}
	return meta
}

// AvailableModels returns the backend catalog's model ids in catalog order.
func (c *Council) AvailableModels(ctx context.Context) ([]string, error) {
	infos, err := c.backend.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids, nil
}

// EstimateCost prices a hypothetical token usage for one model, offline.
func (c *Council) EstimateCost(modelID string, totalTokens int) float64 {
	return c.pricing.Estimate(modelID, totalTokens)
}

// GenerateSessionTitle produces a short display title for a session from its
// first prompt, via the default synthesizer model with schema-constrained
// output. Models that ignore the schema fall back to their raw first line.
func (c *Council) GenerateSessionTitle(ctx context.Context, prompt string) (string, error) {
	titlePrompt := fmt.Sprintf("Generate a very short title (3-5 words maximum) that summarizes the following question. Do not use quotes or punctuation in the title.\n\nQuestion: %s", prompt)
	resp := c.backend.QueryStructured(ctx, DefaultSynthesizerModel, []Message{
		{Role: RoleUser, Content: titlePrompt},
	}, "session_title", titleSchema, QueryOptions{})
	if !resp.OK() {
		return "", fmt.Errorf("title generation failed: %s", resp.Error)
	}

	var decoded struct {
		Title string `json:"title"`
	}
	title := ""
	if err := json.Unmarshal([]byte(resp.Content), &decoded); err == nil {
		title = strings.TrimSpace(decoded.Title)
	}
	if title == "" {
		title = strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	}
	if title == "" {
		return "", fmt.Errorf("title generation returned no usable content")
	}

	// Truncate if too long
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	return title, nil
}
