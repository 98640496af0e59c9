package edgesync

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

func conflictPair(localText string, localConf float64, localAge time.Duration,
	serverText string, serverConf float64, serverAge time.Duration, medicalContext string) Conflict {
	now := time.Now().UTC()
	local := SyncItem{
		ID:        "conflict-item",
		Type:      ItemTranslation,
		Timestamp: now.Add(-localAge),
		Priority:  PriorityMedium,
		Payload: &TranslationPayload{
			SourceLanguage: "en",
			TargetLanguage: "es",
			Context:        medicalContext,
			SourceText:     "administer 5mg",
			Result:         TranslationResult{Text: localText, Confidence: localConf},
		},
	}
	server := local
	server.Timestamp = now.Add(-serverAge)
	p := *local.Payload
	p.Result = TranslationResult{Text: serverText, Confidence: serverConf}
	server.Payload = &p
	return Conflict{Local: local, Server: server}
}

func TestResolveRejectsMismatchedIDs(t *testing.T) {
	r := NewResolver()
	c := conflictPair("a", 0.9, 0, "b", 0.8, time.Hour, ContextGeneral)
	c.Server.ID = "other"

	if _, err := r.Resolve(context.Background(), c); err == nil {
		t.Fatal("expected error for mismatched conflict ids")
	}
}

func TestResolveStaticPolicy(t *testing.T) {
	for _, policy := range []Strategy{StrategyLocal, StrategyRemote} {
		r := NewResolver(WithStaticPolicy(policy))
		c := conflictPair("local text", 0.5, 0, "server text", 0.9, time.Hour, ContextGeneral)

		res, err := r.Resolve(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		if res.Strategy != policy {
			t.Errorf("static %s: got %s", policy, res.Strategy)
		}
		want := c.Local
		if policy == StrategyRemote {
			want = c.Server
		}
		if res.Result.Payload.Result.Text != want.Payload.Result.Text {
			t.Errorf("static %s picked wrong side", policy)
		}
	}
}

// A newer, much more confident local result in a general context must not
// lose to the server's stale low-confidence state.
func TestResolveNewerConfidentLocalWins(t *testing.T) {
	r := NewResolver()
	c := conflictPair(
		"tome cinco miligramos", 0.95, 0,
		"administre cinco", 0.60, 2*time.Hour,
		ContextGeneral)

	res, err := r.Resolve(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}

	switch res.Strategy {
	case StrategyLocal:
		if res.Result.Payload.Result.Confidence != 0.95 {
			t.Errorf("local strategy must keep local state")
		}
	case StrategyMerge:
		if res.SubStrategy != MergeSelectHigherConfidence {
			t.Errorf("merge of divergent confident texts must select higher confidence, got %s", res.SubStrategy)
		}
		if res.Result.Payload.Result.Text != "tome cinco miligramos" {
			t.Errorf("higher-confidence local text must win, got %q", res.Result.Payload.Result.Text)
		}
	default:
		t.Errorf("remote must not win: strategy %s, scores %v", res.Strategy, res.Scores)
	}
}

func TestResolveDeterministic(t *testing.T) {
	c := conflictPair("dolor toracico", 0.82, 10*time.Minute, "dolor de pecho", 0.78, 30*time.Minute, ContextDiagnosis)

	var first *Resolution
	for i := 0; i < 5; i++ {
		r := NewResolver() // fresh history each round
		res, err := r.Resolve(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = res
			continue
		}
		if res.Strategy != first.Strategy || res.SubStrategy != first.SubStrategy {
			t.Fatalf("run %d diverged: %s/%s vs %s/%s",
				i, res.Strategy, res.SubStrategy, first.Strategy, first.SubStrategy)
		}
		if !reflect.DeepEqual(res.Scores, first.Scores) {
			t.Fatalf("run %d scores diverged: %v vs %v", i, res.Scores, first.Scores)
		}
	}
}

func TestScoreRecencyFavorsNewer(t *testing.T) {
	r := NewResolver()
	c := conflictPair("same text", 0.8, 0, "same text", 0.8, 2*time.Hour, ContextGeneral)

	scores, _ := r.score(c)
	if scores[StrategyLocal] <= scores[StrategyRemote] {
		t.Errorf("newer local must outscore older server: %v", scores)
	}
}

func TestScoreCriticalContextPenalizesMerge(t *testing.T) {
	r := NewResolver()
	general := conflictPair("texto uno", 0.8, 0, "texto dos", 0.8, 0, ContextGeneral)
	medication := conflictPair("texto uno", 0.8, 0, "texto dos", 0.8, 0, ContextMedication)

	gScores, _ := r.score(general)
	mScores, _ := r.score(medication)
	if mScores[StrategyMerge] >= gScores[StrategyMerge] {
		t.Errorf("medication context must penalize merge: general %v, medication %v",
			gScores[StrategyMerge], mScores[StrategyMerge])
	}
}

func TestScoreRiskBiasesLocal(t *testing.T) {
	withRisk := NewResolver(WithRiskSignal(func() float64 { return 0.9 }))
	without := NewResolver()
	c := conflictPair("same", 0.8, 0, "same", 0.8, 0, ContextGeneral)

	riskScores, _ := withRisk.score(c)
	baseScores, _ := without.score(c)
	if riskScores[StrategyLocal] <= baseScores[StrategyLocal] {
		t.Errorf("high offline risk must bias local: %v vs %v", riskScores, baseScores)
	}
}

func TestMergeNearlyIdenticalSelectsHigherConfidence(t *testing.T) {
	r := NewResolver()
	c := conflictPair("dolor de pecho agudo", 0.9, 0, "dolor de pecho agudos", 0.7, 0, ContextGeneral)

	merged, sub := r.merge(c)
	if sub != MergeSelectHigherConfidence {
		t.Fatalf("sub-strategy = %s, want %s", sub, MergeSelectHigherConfidence)
	}
	if merged.Payload.Result.Confidence != 0.9 {
		t.Errorf("higher-confidence side must win, got %v", merged.Payload.Result.Confidence)
	}
}

func TestMergeIntelligentCombine(t *testing.T) {
	r := NewResolver()
	c := conflictPair("el dolor es muy fuerte hoy", 0.8, 0, "el dolor es bastante fuerte", 0.6, 0, ContextGeneral)
	c.Local.Payload.MedicalTerms = map[string]string{"pain": "dolor"}
	c.Server.Payload.MedicalTerms = map[string]string{"pain": "dolores", "severe": "fuerte"}
	c.Server.Payload.Alternatives = []Alternative{{Text: "duele mucho", Confidence: 0.5}}

	merged, sub := r.merge(c)
	if sub != MergeIntelligentCombine {
		t.Fatalf("sub-strategy = %s, want %s", sub, MergeIntelligentCombine)
	}

	p := merged.Payload
	if p.Result.Text != "el dolor es muy fuerte hoy" {
		t.Errorf("base text must come from the higher-confidence side, got %q", p.Result.Text)
	}

	// Confidence-weighted blend (hc^2+lc^2)/(hc+lc) for 0.8/0.6 is ~0.714.
	want := (0.8*0.8 + 0.6*0.6) / (0.8 + 0.6)
	if diff := p.Result.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("blended confidence = %v, want %v", p.Result.Confidence, want)
	}

	// The losing text joins the alternatives along with the server's own.
	texts := map[string]bool{}
	for _, a := range p.Alternatives {
		texts[a.Text] = true
	}
	if !texts["el dolor es bastante fuerte"] || !texts["duele mucho"] {
		t.Errorf("alternatives missing merged entries: %+v", p.Alternatives)
	}

	// Medical terms union; the higher-confidence side wins collisions.
	if p.MedicalTerms["pain"] != "dolor" || p.MedicalTerms["severe"] != "fuerte" {
		t.Errorf("medical terms = %v", p.MedicalTerms)
	}
}

func TestDedupeAlternatives(t *testing.T) {
	alts := []Alternative{
		{Text: "a", Confidence: 0.5},
		{Text: "b", Confidence: 0.9},
		{Text: "a", Confidence: 0.8},
		{Text: "", Confidence: 1.0},
		{Text: "c", Confidence: 0.7},
	}
	out := dedupeAlternatives(alts, 2)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Text != "b" || out[1].Text != "a" {
		t.Errorf("expected [b a] by confidence, got %+v", out)
	}
}

func TestStrategyHistory(t *testing.T) {
	h := NewStrategyHistory()
	if rate := h.SuccessRate(StrategyLocal); rate != -1 {
		t.Errorf("untracked rate = %v, want -1", rate)
	}

	h.Record(StrategyLocal, true)
	h.Record(StrategyLocal, true)
	h.Record(StrategyLocal, false)
	if rate := h.SuccessRate(StrategyLocal); rate < 0.66 || rate > 0.67 {
		t.Errorf("rate = %v, want 2/3", rate)
	}
}

func TestResolveArchives(t *testing.T) {
	var mu sync.Mutex
	var archived []*Resolution
	r := NewResolver(WithArchiver(archiverFunc(func(ctx context.Context, res *Resolution) error {
		mu.Lock()
		archived = append(archived, res)
		mu.Unlock()
		return nil
	})))

	c := conflictPair("uno", 0.9, 0, "dos", 0.5, time.Hour, ContextGeneral)
	res, err := r.Resolve(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 || archived[0].ID != res.ID {
		t.Errorf("resolution not archived: %v", archived)
	}
}

type archiverFunc func(ctx context.Context, res *Resolution) error

func (f archiverFunc) Archive(ctx context.Context, res *Resolution) error { return f(ctx, res) }

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"dolor", "dolor", 0},
		{"dolor", "dolores", 2},
		{"años", "anos", 1}, // rune-level, not byte-level
	}

	for _, tt := range tests {
		if got := Levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("same", "same"); got != 1 {
		t.Errorf("identical strings = %v, want 1", got)
	}
	if got := Similarity("", ""); got != 1 {
		t.Errorf("empty strings = %v, want 1", got)
	}
	if got := Similarity("abcd", "wxyz"); got != 0 {
		t.Errorf("disjoint strings = %v, want 0", got)
	}
	got := Similarity("dolor de pecho", "dolor de pechos")
	if got <= 0.9 || got >= 1 {
		t.Errorf("near-identical = %v, want in (0.9, 1)", got)
	}
}
