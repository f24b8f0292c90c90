package main

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"
)

// Backend is the slice of the OpenRouter client the orchestrator depends
// on. *Client implements it; tests substitute stubs.
type Backend interface {
	QueryModel(ctx context.Context, model string, messages []Message, opts QueryOptions) ModelResponse
	QueryStructured(ctx context.Context, model string, messages []Message, schemaName string, schema json.RawMessage, opts QueryOptions) ModelResponse
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// modelQuery pairs one council member with the exact message list it
// receives. Revision rounds give every member its own transcript, so the
// fan-out works on per-member queries rather than one shared list.
type modelQuery struct {
	ref      ModelRef
	messages []Message
}

// QueryAll fans a single message list out to every model concurrently and
// returns the settled slots in input order. One member's failure never
// disturbs the others; a FirstN in opts arms the race. An empty model list
// yields an empty round.
func QueryAll(ctx context.Context, backend Backend, models []ModelRef, messages []Message, opts QueryOptions) RoundResult {
	queries := make([]modelQuery, len(models))
	for i, ref := range models {
		queries[i] = modelQuery{ref: ref, messages: messages}
	}
	return dispatchQueries(ctx, backend, queries, opts)
}

// dispatchQueries picks the first-n race or the plain fan-out. FirstN at or
// above the member count is a no-op: every member runs to completion.
func dispatchQueries(ctx context.Context, backend Backend, queries []modelQuery, opts QueryOptions) RoundResult {
	if opts.FirstN > 0 && opts.FirstN < len(queries) {
		return queryFirstN(ctx, backend, queries, opts, opts.FirstN)
	}
	return queryFanOut(ctx, backend, queries, opts)
}

// queryFanOut dispatches every query concurrently and waits for all of them.
// Each goroutine writes only its own slot, so the result vector needs no
// locking; parent cancellation reaches every in-flight request through the
// group context.
func queryFanOut(ctx context.Context, backend Backend, queries []modelQuery, opts QueryOptions) RoundResult {
	results := make(RoundResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			results[i] = backend.QueryModel(gctx, q.ref.ID, q.messages, opts)
			return nil
		})
	}
	g.Wait()
	return results
}

// queryFirstN races the whole fan-out and resolves as soon as n members have
// settled. Settling counts successes and failures alike, so a dead model
// cannot stall the race. The remaining requests are cancelled and their
// slots carry the first-n sentinel; input order is preserved throughout.
func queryFirstN(ctx context.Context, backend Backend, queries []modelQuery, opts QueryOptions, n int) RoundResult {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type settlement struct {
		idx  int
		resp ModelResponse
	}

	// Buffered to capacity: abandoned goroutines can always deliver their
	// settlement and exit instead of leaking.
	settled := make(chan settlement, len(queries))
	for i, q := range queries {
		go func() {
			settled <- settlement{idx: i, resp: backend.QueryModel(raceCtx, q.ref.ID, q.messages, opts)}
		}()
	}

	results := make(RoundResult, len(queries))
	taken := make([]bool, len(queries))
	for count := 0; count < n; count++ {
		s := <-settled
		results[s.idx] = s.resp
		taken[s.idx] = true
	}
	cancel()

	for i := range results {
		if !taken[i] {
			results[i] = ModelResponse{
				Model:     queries[i].ref.ID,
				Error:     ErrFirstNNotNeeded,
				ErrorKind: ErrKindFirstN,
			}
		}
	}
	return results
}
