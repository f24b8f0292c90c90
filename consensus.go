package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProgressStatus is one step of a member's per-round lifecycle.
type ProgressStatus string

const (
	StatusPreparing ProgressStatus = "preparing"
	StatusQuerying  ProgressStatus = "querying"
	StatusComplete  ProgressStatus = "complete"
	StatusFailed    ProgressStatus = "failed"
)

// ProgressFunc observes per-member lifecycle events. Events for one member
// within a round arrive strictly in lifecycle order; callbacks are delivered
// from a single goroutine, so the function never needs to be thread-safe and
// must not block for long.
type ProgressFunc func(round int, model string, status ProgressStatus)

type progressEvent struct {
	round  int
	model  string
	status ProgressStatus
}

// progressReporter decouples observer callbacks from orchestration: emit
// buffers the event and a dedicated goroutine delivers it, so a slow
// observer never stalls a round. All methods are safe on a nil reporter,
// which is how "no observer installed" is represented.
type progressReporter struct {
	events chan progressEvent
	fn     ProgressFunc
	done   chan struct{}
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	if fn == nil {
		return nil
	}
	r := &progressReporter{
		events: make(chan progressEvent, 64),
		fn:     fn,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for ev := range r.events {
			r.fn(ev.round, ev.model, ev.status)
		}
	}()
	return r
}

func (r *progressReporter) emit(round int, model string, status ProgressStatus) {
	if r == nil {
		return
	}
	r.events <- progressEvent{round: round, model: model, status: status}
}

// close flushes every pending event and stops the delivery goroutine.
func (r *progressReporter) close() {
	if r == nil {
		return
	}
	close(r.events)
	<-r.done
}

// buildConsensusPrompt renders the revision request shown to member i after
// a round. Peers appear in council order under their model ids; the member's
// own answer and every errored peer are left out. The rendering is
// deterministic: equal inputs produce byte-identical prompts.
func buildConsensusPrompt(i int, responses RoundResult) string {
	var b strings.Builder
	b.WriteString("Consider your peers' views and revise your response if needed:\n\n")
	for j, peer := range responses {
		if j == i || !peer.OK() {
			continue
		}
		fmt.Fprintf(&b, "**%s**:\n%s\n\n", peer.Model, peer.Content)
	}
	b.WriteString("Based on these perspectives, would you like to revise or expand your answer?")
	return b.String()
}

// runConsensusRounds executes the round state machine: a plain fan-out first
// (raced when first-n is armed), then revision rounds in which every member
// still standing sees its peers' answers and may revise. Members that failed
// a round keep their error slot verbatim in every later round and are never
// queried again. The time limit, when set, culls each round before it is
// recorded.
func runConsensusRounds(ctx context.Context, backend Backend, cfg CouncilConfig, prompt string, opts QueryOptions, rounds int, timeLimit time.Duration, reporter *progressReporter) []RoundResult {
	transcript := make([]RoundResult, 0, rounds)

	for round := 1; round <= rounds; round++ {
		var current RoundResult
		if round == 1 {
			current = runOpeningRound(ctx, backend, cfg, prompt, opts, reporter)
		} else {
			current = runRevisionRound(ctx, backend, cfg, prompt, opts, transcript[len(transcript)-1], round, reporter)
		}

		if timeLimit > 0 {
			current = applyTimeLimit(current, timeLimit, round)
		}
		for _, r := range current {
			if r.OK() {
				reporter.emit(round, r.Model, StatusComplete)
			} else {
				reporter.emit(round, r.Model, StatusFailed)
			}
		}
		transcript = append(transcript, current)
	}
	return transcript
}

// runOpeningRound sends the user's prompt to the full council. This is the
// only round where first-n may race the members.
func runOpeningRound(ctx context.Context, backend Backend, cfg CouncilConfig, prompt string, opts QueryOptions, reporter *progressReporter) RoundResult {
	queries := make([]modelQuery, len(cfg.Models))
	for i, ref := range cfg.Models {
		reporter.emit(1, ref.ID, StatusPreparing)
		queries[i] = modelQuery{
			ref: ref,
			messages: []Message{
				{Role: RoleSystem, Content: ref.EffectiveSystem(cfg.System)},
				{Role: RoleUser, Content: prompt},
			},
		}
	}
	for _, ref := range cfg.Models {
		reporter.emit(1, ref.ID, StatusQuerying)
	}
	return dispatchQueries(ctx, backend, queries, opts)
}

// runRevisionRound re-queries the members that succeeded in the previous
// round. Each one sees the original prompt, its own prior answer, and the
// revision request built from its peers. Errored slots are carried through
// untouched, and first-n never applies here.
func runRevisionRound(ctx context.Context, backend Backend, cfg CouncilConfig, prompt string, opts QueryOptions, prev RoundResult, round int, reporter *progressReporter) RoundResult {
	current := make(RoundResult, len(prev))
	var live []int
	var queries []modelQuery

	for i, prior := range prev {
		if !prior.OK() {
			current[i] = prior
			continue
		}
		ref := cfg.Models[i]
		reporter.emit(round, ref.ID, StatusPreparing)
		queries = append(queries, modelQuery{
			ref: ref,
			messages: []Message{
				{Role: RoleSystem, Content: ref.EffectiveSystem(cfg.System)},
				{Role: RoleUser, Content: prompt},
				{Role: RoleAssistant, Content: prior.Content},
				{Role: RoleUser, Content: buildConsensusPrompt(i, prev)},
			},
		})
		live = append(live, i)
	}

	if len(queries) == 0 {
		return current
	}
	for _, i := range live {
		reporter.emit(round, cfg.Models[i].ID, StatusQuerying)
	}

	settled := queryFanOut(ctx, backend, queries, opts)
	for k, i := range live {
		current[i] = settled[k]
	}
	return current
}
