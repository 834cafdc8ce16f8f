// Package recall selects relevant prior generations for a new prompt and
// assembles the bounded context bundle fed into prompt enhancement.
// Recall is best-effort: it returns an empty bundle rather than an error
// when a session has no history or the store read fails.
package recall

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/dreamforge/config"
	"github.com/BaSui01/dreamforge/store"
	"github.com/BaSui01/dreamforge/types"
)

// Ranker orders candidate generations by relevance to a new prompt, most
// relevant first. The concrete scoring strategy is pluggable.
type Ranker interface {
	Name() string
	Rank(candidates []*types.Generation, prompt string) []*types.Generation
}

// RecencyRanker keeps the store's newest-first ordering. The default.
type RecencyRanker struct{}

func (RecencyRanker) Name() string { return "recency" }

func (RecencyRanker) Rank(candidates []*types.Generation, prompt string) []*types.Generation {
	return candidates
}

// LexicalRanker scores candidates by token overlap with the new prompt,
// breaking ties by recency. Candidates are assumed newest first on input.
type LexicalRanker struct{}

func (LexicalRanker) Name() string { return "lexical" }

func (LexicalRanker) Rank(candidates []*types.Generation, prompt string) []*types.Generation {
	promptTokens := tokenSet(prompt)

	type scored struct {
		gen     *types.Generation
		overlap int
		recency int
	}

	items := make([]scored, len(candidates))
	for i, gen := range candidates {
		items[i] = scored{
			gen:     gen,
			overlap: overlapCount(promptTokens, gen.Prompt),
			recency: i,
		}
	}

	// Insertion sort keeps the implementation stable and the candidate
	// set is small (bounded by the fetch limit).
	for i := 1; i < len(items); i++ {
		for j := i; j > 0; j-- {
			a, b := items[j-1], items[j]
			if b.overlap > a.overlap || (b.overlap == a.overlap && b.recency < a.recency) {
				items[j-1], items[j] = b, a
			} else {
				break
			}
		}
	}

	result := make([]*types.Generation, len(items))
	for i, it := range items {
		result[i] = it.gen
	}
	return result
}

// tokenSet lowercases and splits a prompt into its distinct words.
func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if len(tok) > 2 {
			set[tok] = true
		}
	}
	return set
}

// overlapCount counts how many distinct words of the candidate prompt
// appear in the new prompt's token set.
func overlapCount(promptTokens map[string]bool, candidate string) int {
	n := 0
	for tok := range tokenSet(candidate) {
		if promptTokens[tok] {
			n++
		}
	}
	return n
}

// NewRanker creates the configured ranking strategy, defaulting to
// recency for unknown names.
func NewRanker(name string) Ranker {
	switch name {
	case "lexical":
		return LexicalRanker{}
	default:
		return RecencyRanker{}
	}
}

// Engine assembles context bundles from session history.
type Engine struct {
	store   store.Store
	ranker  Ranker
	cfg     config.RecallConfig
	encoder *tiktoken.Tiktoken
	logger  *zap.Logger
}

// NewEngine creates a recall engine. The tiktoken encoding is optional:
// if it cannot load (no cache, no network), token counting falls back to
// a rune-length estimate.
func NewEngine(s store.Store, cfg config.RecallConfig, logger *zap.Logger) *Engine {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using length estimate", zap.Error(err))
		enc = nil
	}

	return &Engine{
		store:   s,
		ranker:  NewRanker(cfg.Ranker),
		cfg:     cfg,
		encoder: enc,
		logger:  logger.With(zap.String("component", "recall")),
	}
}

// BuildBundle fetches the session's recent completed generations, ranks
// them against the new prompt, and truncates to the configured pair count
// and token budget.
func (e *Engine) BuildBundle(ctx context.Context, sessionID, prompt string) *types.ContextBundle {
	bundle := &types.ContextBundle{}
	if sessionID == "" {
		return bundle
	}

	history, err := e.store.ListBySession(ctx, sessionID, e.cfg.FetchLimit, time.Time{})
	if err != nil {
		e.logger.Warn("history fetch failed, proceeding without context",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return bundle
	}

	// Only completed runs carry a useful (prompt, enhanced) pair.
	completed := history[:0]
	for _, gen := range history {
		if gen.Status == types.StatusCompleted && gen.EnhancedPrompt != "" {
			completed = append(completed, gen)
		}
	}
	if len(completed) == 0 {
		return bundle
	}

	ranked := e.ranker.Rank(completed, prompt)

	budget := e.cfg.TokenBudget
	for _, gen := range ranked {
		if e.cfg.BundleSize > 0 && len(bundle.Pairs) >= e.cfg.BundleSize {
			break
		}
		cost := e.countTokens(gen.Prompt) + e.countTokens(gen.EnhancedPrompt)
		if budget > 0 && cost > budget {
			if len(bundle.Pairs) > 0 {
				break
			}
			// A single oversized pair would starve enhancement of any
			// context at all; skip it and try the next candidate.
			continue
		}
		bundle.Pairs = append(bundle.Pairs, types.ContextPair{
			Prompt:         gen.Prompt,
			EnhancedPrompt: gen.EnhancedPrompt,
		})
		if e.cfg.TokenBudget > 0 {
			budget -= cost
		}
	}

	e.logger.Debug("context bundle built",
		zap.String("session_id", sessionID),
		zap.String("ranker", e.ranker.Name()),
		zap.Int("candidates", len(completed)),
		zap.Int("pairs", len(bundle.Pairs)),
		zap.Int("budget_left", budget),
	)

	return bundle
}

// countTokens measures a string against the bundle token budget.
func (e *Engine) countTokens(s string) int {
	if e.encoder != nil {
		return len(e.encoder.Encode(s, nil, nil))
	}
	// Rough estimate: one token per four characters.
	return utf8.RuneCountInString(s)/4 + 1
}
