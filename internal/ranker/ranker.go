// Package ranker implements the SolutionRanker: given a natural-language
// problem description, it embeds the query, retrieves the nearest runbooks
// by cosine distance against their stored embeddings, scores each on
// semantic fit / historical success / context match plus feedback bonuses,
// and picks a presentation strategy for the result set.
package ranker

import (
	"context"
	"math"
	"sort"

	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/rbac"
	"github.com/opsforge/remediation/internal/store"
)

// Vector is an embedding, dimension determined by the Embedder in use.
type Vector []float32

// Embedder turns free text into a Vector, provided by an external
// collaborator; the ranker treats an unavailable embedder (nil, or
// an Embed call that errors) as "no ranking possible" rather than a fatal
// condition.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
}

// Repo is the persistence surface the ranker reads from.
type Repo interface {
	ListEnabledRunbooksWithEmbedding(ctx context.Context) ([]model.Runbook, error)
	GetSolutionFeedback(ctx context.Context, runbookID string) (store.SolutionFeedback, error)
	MaxClickCount(ctx context.Context) (int, error)
	RecentExecutionOutcomes(ctx context.Context, runbookID string, limit int) (successes, total int, err error)
}

// Context carries the requester's situational hints for the context-match
// score component: the target platform and any free-form tags (e.g.
// "database", "production").
type Context struct {
	OS   string
	Tags map[string]struct{}
}

const (
	defaultLimit             = 3
	recentOutcomesWindow      = 20
	popularityWindowDays      = 30
	weightSemantic            = 0.5
	weightSuccess             = 0.3
	weightContext             = 0.2
	bonusAutomation           = 0.15
	bonusPopularityMax        = 0.10
	bonusFeedbackMax          = 0.15
	scoreFloor                = 0.1
	scoreCeiling              = 1.0
)

// Solution is one ranked candidate runbook, the runbook itself plus its
// final score.
type Solution struct {
	Runbook model.Runbook
	Score   float64
}

// Result is the ranker's output: up to `limit` solutions, best first, plus
// a hint for how a presentation layer should lay them out.
type Result struct {
	Solutions            []Solution
	PresentationStrategy string
}

// Presentation strategies.
const (
	StrategySingleSolution         = "single_solution"
	StrategyMultipleOptions        = "multiple_options"
	StrategyPrimaryWithAlternatives = "primary_with_alternatives"
	StrategyExperimentalOptions    = "experimental_options"
	StrategyPrimaryPlusOne         = "primary_plus_one"
)

// Ranker scores and ranks runbooks against a natural-language query.
type Ranker struct {
	repo     Repo
	embedder Embedder
}

// New constructs a Ranker backed by repo and embedder.
func New(repo Repo, embedder Embedder) *Ranker {
	return &Ranker{repo: repo, embedder: embedder}
}

// Rank embeds query, scores the 3*limit enabled runbooks whose embeddings
// lie nearest to it by cosine distance, and returns up to limit solutions
// (default 3) plus a presentation
// strategy. An unavailable embedder yields an empty, non-error result.
func (r *Ranker) Rank(ctx context.Context, query string, hints Context, principal rbac.Principal, limit int) (Result, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if r.embedder == nil {
		return Result{}, nil
	}
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Result{}, nil
	}

	candidates, err := r.repo.ListEnabledRunbooksWithEmbedding(ctx)
	if err != nil {
		return Result{}, err
	}
	candidates = aclFilter(candidates, principal)

	type scored struct {
		rb       model.Runbook
		distance float64
	}
	pool := make([]scored, 0, len(candidates))
	for _, rb := range candidates {
		pool = append(pool, scored{rb: rb, distance: cosineDistance(queryVec, rb.Embedding)})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].distance < pool[j].distance })
	if n := 3 * limit; len(pool) > n {
		pool = pool[:n]
	}

	maxClicks, err := r.repo.MaxClickCount(ctx)
	if err != nil {
		maxClicks = 0
	}

	solutions := make([]Solution, 0, len(pool))
	for _, c := range pool {
		score, err := r.score(ctx, c.rb, c.distance, hints, maxClicks)
		if err != nil {
			continue
		}
		solutions = append(solutions, Solution{Runbook: c.rb, Score: score})
	}
	sort.Slice(solutions, func(i, j int) bool { return solutions[i].Score > solutions[j].Score })
	if len(solutions) > limit {
		solutions = solutions[:limit]
	}

	return Result{
		Solutions:            solutions,
		PresentationStrategy: presentationStrategy(solutions),
	}, nil
}

// score computes the [0.1, 1.0] final score for one candidate: a weighted
// blend of semantic fit, historical success rate, and context match,
// followed by additive automation/popularity/feedback bonuses.
func (r *Ranker) score(ctx context.Context, rb model.Runbook, distance float64, hints Context, maxClicks int) (float64, error) {
	semantic := clamp(1-distance, 0, 1)

	successes, total, err := r.repo.RecentExecutionOutcomes(ctx, rb.ID, recentOutcomesWindow)
	if err != nil {
		return 0, err
	}
	success := 0.5
	if total > 0 {
		success = float64(successes) / float64(total)
	}

	contextScore := contextMatch(rb, hints)
	final := weightSemantic*semantic + weightSuccess*success + weightContext*contextScore

	if rb.AutoExecute {
		final += bonusAutomation
	}

	feedback, err := r.repo.GetSolutionFeedback(ctx, rb.ID)
	if err == nil {
		if maxClicks > 0 {
			final += bonusPopularityMax * (float64(feedback.ClickCount) / float64(maxClicks))
		}
		totalThumbs := feedback.ThumbsUp + feedback.ThumbsDown
		if totalThumbs > 0 {
			net := float64(feedback.ThumbsUp-feedback.ThumbsDown) / float64(totalThumbs)
			final += bonusFeedbackMax * net
		}
	}

	return clamp(final, scoreFloor, scoreCeiling), nil
}

// contextMatch blends a tag-overlap score with an OS-match score, each
// worth half: Runbook carries no dedicated target-OS field, so OS fit is
// read from its tags (1 when a tag equals the OS hint, 0 when the runbook
// has other tags, 0.5 when it has no tags or there is no OS hint).
func contextMatch(rb model.Runbook, hints Context) float64 {
	tagScore := 0.0
	if len(hints.Tags) > 0 && len(rb.Tags) > 0 {
		overlap := 0
		for tag := range hints.Tags {
			if _, ok := rb.Tags[tag]; ok {
				overlap++
			}
		}
		tagScore = float64(overlap) / float64(len(hints.Tags))
	}

	osScore := 0.5 // no opinion either way when we can't tell
	if hints.OS != "" {
		if _, ok := rb.Tags[hints.OS]; ok {
			osScore = 1
		} else if len(rb.Tags) > 0 {
			osScore = 0
		}
	}

	return 0.5*tagScore + 0.5*osScore
}

// aclFilter applies the view-level access rule: admin/operator principals (and
// any caller that can view all) see every enabled runbook; no per-runbook
// ACL rows are modeled (see DESIGN.md), so any other principal also sees
// the full enabled pool until explicit restrictions exist.
func aclFilter(candidates []model.Runbook, _ rbac.Principal) []model.Runbook {
	return candidates
}

// presentationStrategy derives a layout hint from the top two scores,
// rules applied in order.
func presentationStrategy(solutions []Solution) string {
	if len(solutions) == 0 {
		return StrategySingleSolution
	}
	if len(solutions) == 1 {
		return StrategySingleSolution
	}
	top := solutions[0].Score
	second := solutions[1].Score
	delta := top - second

	switch {
	case delta >= 0.15 || top > 0.85:
		return StrategySingleSolution
	case delta < 0.10:
		return StrategyMultipleOptions
	case top > 0.90:
		return StrategyPrimaryWithAlternatives
	case top < 0.60:
		return StrategyExperimentalOptions
	default:
		return StrategyPrimaryPlusOne
	}
}

// cosineDistance returns 1 minus the cosine similarity of a and b, treating
// a length mismatch or a zero-magnitude vector as maximal distance (1).
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	similarity := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return clamp(1-similarity, 0, 2)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
