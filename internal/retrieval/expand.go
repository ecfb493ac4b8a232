package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Expander widens top fused chunks with their immediate textual neighbors
// so the generator sees surrounding context. Neighbor lookups are
// best-effort: anchors are never dropped, only enrichment degrades.
type Expander struct {
	store       ChunkStore
	maxAnchors  int
	concurrency int
}

// NewExpander creates an Expander over the given chunk store. maxAnchors
// limits how many fused hits are expanded; concurrency bounds parallel
// store lookups.
func NewExpander(store ChunkStore, maxAnchors, concurrency int) (*Expander, error) {
	if store == nil {
		return nil, fmt.Errorf("chunk store cannot be nil")
	}
	if maxAnchors <= 0 {
		maxAnchors = 5
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Expander{
		store:       store,
		maxAnchors:  maxAnchors,
		concurrency: concurrency,
	}, nil
}

// lookup is one planned chunk fetch. Anchors must survive fetch failure;
// neighbors may be dropped.
type lookup struct {
	id     ChunkID
	anchor bool
}

// Expand resolves the top fused chunks plus their neighbors at
// seq_index±1..±window (clamped at zero) into an ordered, deduplicated
// ContextSet. Chunks are grouped by originating fused rank; within a
// group they are ordered by sequence index ascending around the anchor.
// A chunk wanted by several groups is kept once, at its earliest group.
func (e *Expander) Expand(ctx context.Context, fused []FusedResult, window int) (ContextSet, error) {
	if len(fused) == 0 {
		return ContextSet{}, nil
	}
	if window < 0 {
		window = 0
	}

	anchors := fused
	if len(anchors) > e.maxAnchors {
		anchors = anchors[:e.maxAnchors]
	}

	anchorIDs := make(map[ChunkID]bool, len(anchors))
	for _, a := range anchors {
		anchorIDs[a.ID] = true
	}

	// Plan the fetch order up front so the result assembly below is a
	// straight pass over an already-ordered list.
	var plan []lookup
	planned := make(map[ChunkID]bool)
	for _, a := range anchors {
		lo := a.ID.SeqIndex - window
		if lo < 0 {
			lo = 0
		}
		for seq := lo; seq <= a.ID.SeqIndex+window; seq++ {
			id := ChunkID{DocumentID: a.ID.DocumentID, SeqIndex: seq}
			if planned[id] {
				continue
			}
			planned[id] = true
			plan = append(plan, lookup{id: id, anchor: anchorIDs[id]})
		}
	}

	chunks := make([]Chunk, len(plan))
	fetchErrs := make([]error, len(plan))

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i := range plan {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				fetchErrs[i] = err
				return
			}
			chunks[i], fetchErrs[i] = e.store.GetChunk(ctx, plan[i].id)
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(ContextSet, 0, len(plan))
	unavailable := 0
	for i, want := range plan {
		err := fetchErrs[i]
		if err == nil {
			result = append(result, chunks[i])
			continue
		}
		if errors.Is(err, ErrChunkStoreUnavailable) {
			unavailable++
		}
		if want.anchor {
			// The fused hit stays in the set even when its text could
			// not be resolved.
			result = append(result, Chunk{ID: want.id})
		}
	}

	// Every single lookup failing to reach the store means an outage,
	// not a partial enrichment failure.
	if unavailable == len(plan) {
		return nil, fmt.Errorf("%w: all %d chunk lookups failed", ErrChunkStoreUnavailable, len(plan))
	}

	return result, nil
}
