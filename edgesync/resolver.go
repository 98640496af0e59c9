package edgesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"
)

// ResolverWeights are the empirically chosen constants of the smart policy.
// They are configuration, not invariants; nothing in the engine assumes they
// are tuned optimally.
type ResolverWeights struct {
	RecencyMax          float64       `json:"recency_max" yaml:"recency_max"`
	RecencyCap          time.Duration `json:"recency_cap" yaml:"recency_cap"`
	ConfidenceMax       float64       `json:"confidence_max" yaml:"confidence_max"`
	MedicalMergePenalty float64       `json:"medical_merge_penalty" yaml:"medical_merge_penalty"`
	SimilarityBoost     float64       `json:"similarity_boost" yaml:"similarity_boost"`
	SimilarityPenalty   float64       `json:"similarity_penalty" yaml:"similarity_penalty"`
	HistoryBonus        float64       `json:"history_bonus" yaml:"history_bonus"`
	HistoryRate         float64       `json:"history_rate" yaml:"history_rate"`
	RiskThreshold       float64       `json:"risk_threshold" yaml:"risk_threshold"`
	RiskLocalBias       float64       `json:"risk_local_bias" yaml:"risk_local_bias"`
}

// DefaultResolverWeights returns the production scoring constants.
func DefaultResolverWeights() ResolverWeights {
	return ResolverWeights{
		RecencyMax:          0.3,
		RecencyCap:          time.Hour,
		ConfidenceMax:       0.2,
		MedicalMergePenalty: 0.1,
		SimilarityBoost:     0.3,
		SimilarityPenalty:   0.2,
		HistoryBonus:        0.1,
		HistoryRate:         0.8,
		RiskThreshold:       0.7,
		RiskLocalBias:       0.2,
	}
}

// StrategyHistory tracks per-strategy outcomes so the smart policy can favor
// strategies that have worked on this device.
type StrategyHistory struct {
	mu    sync.Mutex
	stats map[Strategy]*strategyOutcome
}

type strategyOutcome struct {
	Uses      int `json:"uses"`
	Successes int `json:"successes"`
}

func NewStrategyHistory() *StrategyHistory {
	return &StrategyHistory{stats: make(map[Strategy]*strategyOutcome)}
}

// Record notes one application of a strategy and whether it stuck (the
// resolved item was not re-conflicted on a later sync).
func (h *StrategyHistory) Record(s Strategy, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.stats[s]
	if !ok {
		o = &strategyOutcome{}
		h.stats[s] = o
	}
	o.Uses++
	if success {
		o.Successes++
	}
}

// SuccessRate returns the tracked rate for a strategy, -1 when untracked.
func (h *StrategyHistory) SuccessRate(s Strategy) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.stats[s]
	if !ok || o.Uses == 0 {
		return -1
	}
	return float64(o.Successes) / float64(o.Uses)
}

// ConflictArchiver persists resolutions for offline strategy-quality review.
type ConflictArchiver interface {
	Archive(ctx context.Context, res *Resolution) error
}

// NullArchiver discards resolutions.
type NullArchiver struct{}

func (NullArchiver) Archive(ctx context.Context, res *Resolution) error { return nil }

// RiskSignal optionally reports external connectivity risk (0-1). When the
// engine has an offline predictor it is adapted into this.
type RiskSignal func() float64

// Resolver decides, per conflict, whether to keep local, remote, or merge.
type Resolver struct {
	policy   Strategy // empty means smart
	weights  ResolverWeights
	history  *StrategyHistory
	risk     RiskSignal
	archiver ConflictArchiver
	logger   *logging.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStaticPolicy pins every resolution to one strategy instead of scoring.
func WithStaticPolicy(s Strategy) ResolverOption {
	return func(r *Resolver) { r.policy = s }
}

// WithWeights overrides the smart policy scoring constants.
func WithWeights(w ResolverWeights) ResolverOption {
	return func(r *Resolver) { r.weights = w }
}

// WithRiskSignal attaches an external connectivity-risk source.
func WithRiskSignal(fn RiskSignal) ResolverOption {
	return func(r *Resolver) { r.risk = fn }
}

// WithArchiver sets where resolutions are archived.
func WithArchiver(a ConflictArchiver) ResolverOption {
	return func(r *Resolver) { r.archiver = a }
}

// WithResolverLogger sets the resolver's logger.
func WithResolverLogger(l *logging.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		weights:  DefaultResolverWeights(),
		history:  NewStrategyHistory(),
		archiver: NullArchiver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// History exposes the strategy outcome tracker.
func (r *Resolver) History() *StrategyHistory { return r.history }

// Resolve decides a strategy for the conflict, performs the merge when
// chosen, archives the resolution and returns it.
func (r *Resolver) Resolve(ctx context.Context, c Conflict) (*Resolution, error) {
	if c.Local.ID != c.Server.ID {
		return nil, syncErrors.NewConflictError(syncErrors.OpConflictResolve,
			fmt.Errorf("conflict items have different ids: %s vs %s", c.Local.ID, c.Server.ID))
	}

	res := &Resolution{
		ID:         uuid.NewString(),
		ItemID:     c.Local.ID,
		ResolvedAt: time.Now().UTC(),
	}

	if r.policy != "" {
		res.Strategy = r.policy
		res.Scores = map[Strategy]float64{r.policy: 1}
		res.Reasons = []string{"static policy"}
	} else {
		scores, reasons := r.score(c)
		res.Scores = scores
		res.Reasons = reasons
		res.Strategy = pickStrategy(scores)
	}

	switch res.Strategy {
	case StrategyLocal:
		res.Result = c.Local
	case StrategyRemote:
		res.Result = c.Server
	case StrategyMerge:
		merged, sub := r.merge(c)
		res.Result = merged
		res.SubStrategy = sub
	}

	r.history.Record(res.Strategy, true)

	if r.logger != nil {
		r.logger.Info("conflict resolved",
			"item", res.ItemID,
			"strategy", string(res.Strategy),
			"sub_strategy", res.SubStrategy,
			"scores", res.Scores,
			"reasons", res.Reasons)
	}

	if err := r.archiver.Archive(ctx, res); err != nil && r.logger != nil {
		r.logger.Warn("conflict archive failed", "item", res.ItemID, "error", err)
	}

	return res, nil
}

// score computes the weighted composite per strategy. Deterministic for
// identical inputs and history.
func (r *Resolver) score(c Conflict) (map[Strategy]float64, []string) {
	w := r.weights
	scores := map[Strategy]float64{StrategyLocal: 0, StrategyRemote: 0, StrategyMerge: 0}
	var reasons []string

	// Recency: the newer side gains up to RecencyMax, scaled by how much
	// newer, capped at RecencyCap of difference.
	diff := c.Local.Timestamp.Sub(c.Server.Timestamp)
	newer := StrategyLocal
	if diff < 0 {
		newer = StrategyRemote
		diff = -diff
	}
	if diff > 0 {
		frac := float64(diff) / float64(w.RecencyCap)
		if frac > 1 {
			frac = 1
		}
		scores[newer] += w.RecencyMax * frac
		reasons = append(reasons, fmt.Sprintf("recency favors %s (+%.3f)", newer, w.RecencyMax*frac))
	}

	localConf := confidence(c.Local)
	serverConf := confidence(c.Server)

	// Confidence delta: the higher-confidence side gains up to ConfidenceMax.
	confDiff := localConf - serverConf
	confSide := StrategyLocal
	if confDiff < 0 {
		confSide = StrategyRemote
		confDiff = -confDiff
	}
	if confDiff > 0 {
		bonus := w.ConfidenceMax * minFloat(confDiff/0.5, 1)
		scores[confSide] += bonus
		reasons = append(reasons, fmt.Sprintf("confidence favors %s (+%.3f)", confSide, bonus))
	}

	// Medical-context sensitivity.
	mctx := medicalContext(c)
	if isCriticalContext(mctx) {
		scores[StrategyMerge] -= w.MedicalMergePenalty
		reasons = append(reasons, fmt.Sprintf("critical context %s penalizes merge", mctx))
		if mctx == ContextEmergency || mctx == ContextCriticalCare {
			scores[StrategyLocal] += localConf * w.ConfidenceMax
			scores[StrategyRemote] += serverConf * w.ConfidenceMax
			reasons = append(reasons, "emergency context adds confidence-driven bonuses")
		}
	}

	// Text similarity via normalized edit distance.
	sim := Similarity(resultText(c.Local), resultText(c.Server))
	switch {
	case sim > 0.9:
		scores[StrategyMerge] += w.SimilarityBoost
		reasons = append(reasons, fmt.Sprintf("high similarity %.3f boosts merge", sim))
	case sim < 0.5:
		scores[StrategyMerge] -= w.SimilarityPenalty
		reasons = append(reasons, fmt.Sprintf("low similarity %.3f penalizes merge", sim))
	}

	// Historical strategy quality.
	for _, s := range []Strategy{StrategyLocal, StrategyRemote, StrategyMerge} {
		if rate := r.history.SuccessRate(s); rate > w.HistoryRate {
			scores[s] += w.HistoryBonus
			reasons = append(reasons, fmt.Sprintf("history favors %s (rate %.2f)", s, rate))
		}
	}

	// External connectivity risk biases toward keeping local state.
	if r.risk != nil {
		if risk := r.risk(); risk > w.RiskThreshold {
			scores[StrategyLocal] += w.RiskLocalBias
			reasons = append(reasons, fmt.Sprintf("offline risk %.2f biases local", risk))
		}
	}

	return scores, reasons
}

// pickStrategy returns the highest-scoring strategy; ties default to merge.
func pickStrategy(scores map[Strategy]float64) Strategy {
	best := StrategyMerge
	bestScore := scores[StrategyMerge]
	// Fixed evaluation order keeps the decision deterministic.
	for _, s := range []Strategy{StrategyLocal, StrategyRemote} {
		if scores[s] > bestScore {
			best = s
			bestScore = scores[s]
		}
	}
	return best
}

// merge combines the two sides of a translation conflict.
func (r *Resolver) merge(c Conflict) (SyncItem, string) {
	localConf := confidence(c.Local)
	serverConf := confidence(c.Server)
	sim := Similarity(resultText(c.Local), resultText(c.Server))
	confGap := localConf - serverConf
	if confGap < 0 {
		confGap = -confGap
	}

	higher, lower := c.Local, c.Server
	if serverConf > localConf {
		higher, lower = c.Server, c.Local
	}

	nearlyIdentical := sim > 0.95
	divergentMedical := sim < 0.5 && confGap > 0.2 && isCriticalContext(medicalContext(c))
	if nearlyIdentical || divergentMedical {
		result := higher
		result.Delta = nil
		return result, MergeSelectHigherConfidence
	}

	return intelligentCombine(higher, lower), MergeIntelligentCombine
}

// intelligentCombine takes the higher-confidence text as base, blends the
// confidences by weight, unions and dedupes alternatives (top 5 by
// confidence) and unions medical-term maps.
func intelligentCombine(higher, lower SyncItem) SyncItem {
	result := higher
	result.Delta = nil
	if higher.Payload == nil {
		return result
	}
	p := *higher.Payload
	result.Payload = &p

	hc := confidence(higher)
	lc := confidence(lower)
	if hc+lc > 0 {
		p.Result.Confidence = (hc*hc + lc*lc) / (hc + lc)
	}

	var alts []Alternative
	alts = append(alts, p.Alternatives...)
	if lower.Payload != nil {
		if lower.Payload.Result.Text != "" && lower.Payload.Result.Text != p.Result.Text {
			alts = append(alts, Alternative{Text: lower.Payload.Result.Text, Confidence: lc})
		}
		alts = append(alts, lower.Payload.Alternatives...)
	}
	p.Alternatives = dedupeAlternatives(alts, 5)

	if lower.Payload != nil && len(lower.Payload.MedicalTerms) > 0 {
		merged := make(map[string]string, len(p.MedicalTerms)+len(lower.Payload.MedicalTerms))
		for k, v := range lower.Payload.MedicalTerms {
			merged[k] = v
		}
		for k, v := range p.MedicalTerms {
			merged[k] = v
		}
		p.MedicalTerms = merged
	}

	return result
}

func dedupeAlternatives(alts []Alternative, limit int) []Alternative {
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	seen := make(map[string]bool, len(alts))
	out := make([]Alternative, 0, limit)
	for _, a := range alts {
		if a.Text == "" || seen[a.Text] {
			continue
		}
		seen[a.Text] = true
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func confidence(item SyncItem) float64 {
	if item.Payload == nil {
		return 0
	}
	return item.Payload.Result.Confidence
}

func resultText(item SyncItem) string {
	if item.Payload == nil {
		return ""
	}
	return item.Payload.Result.Text
}

func medicalContext(c Conflict) string {
	if c.Local.Payload != nil && c.Local.Payload.Context != "" {
		return c.Local.Payload.Context
	}
	if c.Server.Payload != nil {
		return c.Server.Payload.Context
	}
	return ""
}

func isCriticalContext(ctx string) bool {
	switch ctx {
	case ContextEmergency, ContextCriticalCare, ContextDiagnosis, ContextMedication:
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Levenshtein computes the standard dynamic-programming edit distance
// between two strings, by rune.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(curr[j-1]+1, minInt(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity is 1 - distance/max(len_a, len_b); identical strings score 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(max)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
