// Package matcher ranks context nodes against natural-language needs.
// Pure semantic matching scores by cosine similarity; hybrid mode fuses
// the vector ranking with a BM25 keyword ranking using reciprocal rank
// fusion.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/keyword"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
	"github.com/contexhq/contex/pkg/vectorstore"
)

// rrfK is the reciprocal rank fusion constant. 60 keeps single-list
// outliers from dominating the fused ranking.
const rrfK = 60

// overfetchFactor widens candidate retrieval before fusion and
// thresholding trim the list back to MaxMatches.
const overfetchFactor = 2

// Options tunes a Matcher. Zero values are not defaulted here; callers
// pass config.MatchingConfig-derived values.
type Options struct {
	SimilarityThreshold float64
	MaxMatches          int
	Hybrid              bool
	BM25Weight          float64
	KNNWeight           float64
}

// Matcher answers "which nodes satisfy this need" for one project.
type Matcher struct {
	provider embedding.Provider
	vectors  vectorstore.Store
	keywords *keyword.Index
	opts     Options
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New creates a Matcher. keywords may be nil when hybrid mode is off.
func New(provider embedding.Provider, vectors vectorstore.Store, keywords *keyword.Index, opts Options, logger observability.Logger, metrics observability.MetricsClient) *Matcher {
	if logger == nil {
		logger = observability.NewStandardLogger("matcher")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Matcher{
		provider: provider,
		vectors:  vectors,
		keywords: keywords,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// MatchNeed returns the nodes matching one need, best first. Results
// include only nodes whose cosine similarity meets the threshold
// (inclusive); ordering is score descending, node_key ascending on ties.
func (m *Matcher) MatchNeed(ctx context.Context, projectID, need string, needIndex int) ([]models.Match, error) {
	if m.opts.MaxMatches <= 0 {
		return nil, nil
	}

	start := time.Now()
	vec, err := m.provider.Embed(ctx, need)
	if err != nil {
		return nil, fmt.Errorf("failed to embed need: %w", err)
	}

	fetch := m.opts.MaxMatches * overfetchFactor
	hits, err := m.vectors.Search(ctx, projectID, vec, fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}

	var matches []models.Match
	if m.opts.Hybrid && m.keywords != nil {
		matches = m.fuse(ctx, projectID, need, needIndex, vec, hits, fetch)
	} else {
		matches = make([]models.Match, 0, len(hits))
		for _, h := range hits {
			matches = append(matches, toMatch(h, needIndex, h.Similarity))
		}
	}

	// The threshold always applies to the semantic component, hybrid or
	// not: keyword overlap alone cannot promote an unrelated node.
	filtered := matches[:0]
	for _, match := range matches {
		if match.Similarity >= m.opts.SimilarityThreshold {
			filtered = append(filtered, match)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		return filtered[i].NodeKey < filtered[j].NodeKey
	})
	if len(filtered) > m.opts.MaxMatches {
		filtered = filtered[:m.opts.MaxMatches]
	}

	m.metrics.RecordHistogram("matcher.match_duration", time.Since(start).Seconds(), map[string]string{
		"project_id": projectID,
	})
	return filtered, nil
}

// MatchNeeds evaluates every need independently and returns one result
// group per need, in the caller's order. Duplicate need texts produce
// separate groups with their own indexes. A failing need fails the
// whole call.
func (m *Matcher) MatchNeeds(ctx context.Context, projectID string, needs []string) ([]models.NeedMatches, error) {
	out := make([]models.NeedMatches, 0, len(needs))
	for i, need := range needs {
		matches, err := m.MatchNeed(ctx, projectID, need, i)
		if err != nil {
			return nil, fmt.Errorf("matching need %d: %w", i, err)
		}
		out = append(out, models.NeedMatches{Need: need, NeedIndex: i, Matches: matches})
	}
	return out, nil
}

// fuse combines the vector ranking with a BM25 ranking via weighted
// reciprocal rank fusion over the union of both lists. Rank
// contributions are normalized so the top rank of either list counts as
// 1. A keyword-only candidate is fetched from the store to compute its
// similarity, which the caller's threshold still applies to.
func (m *Matcher) fuse(ctx context.Context, projectID, need string, needIndex int, needVec []float32, semantic []vectorstore.ScoredNode, fetch int) []models.Match {
	lexical := m.keywords.Search(projectID, need, fetch)

	byKey := make(map[string]models.Match, len(semantic)+len(lexical))
	for rank, h := range semantic {
		match := toMatch(h, needIndex, 0)
		match.Score = m.opts.KNNWeight * rrfContribution(rank)
		byKey[h.NodeKey] = match
	}
	for rank, h := range lexical {
		contribution := m.opts.BM25Weight * rrfContribution(rank)
		if match, ok := byKey[h.NodeKey]; ok {
			match.Score += contribution
			byKey[h.NodeKey] = match
			continue
		}
		node, err := m.vectors.Get(ctx, projectID, h.NodeKey)
		if err != nil {
			// Indexed but not in the vector store (stale keyword entry):
			// not a candidate.
			continue
		}
		byKey[h.NodeKey] = models.Match{
			NodeKey:     node.NodeKey,
			DataKey:     node.DataKey,
			Description: node.Description,
			Data:        node.Data,
			Similarity:  embedding.CosineSimilarity(needVec, node.Embedding),
			Score:       contribution,
			NeedIndex:   needIndex,
		}
	}

	out := make([]models.Match, 0, len(byKey))
	for _, match := range byKey {
		out = append(out, match)
	}
	return out
}

// rrfContribution is one list's reciprocal-rank term, scaled to (0, 1]
// with rank 0 contributing exactly 1.
func rrfContribution(rank int) float64 {
	return float64(rrfK+1) / float64(rrfK+rank+1)
}

func toMatch(h vectorstore.ScoredNode, needIndex int, score float64) models.Match {
	return models.Match{
		NodeKey:     h.NodeKey,
		DataKey:     h.DataKey,
		Description: h.Description,
		Data:        h.Data,
		Similarity:  h.Similarity,
		Score:       score,
		NeedIndex:   needIndex,
	}
}
