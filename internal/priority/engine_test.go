package priority

import (
	"testing"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/types"
)

// Tuesday 10:00, inside business hours.
var testNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestEngine(perf PerfLookup) *Engine {
	cfg := config.DefaultPriorityConfig()
	scorer := NewScorer(cfg.Weights, config.DefaultBusinessRules(), perf)
	scorer.now = func() time.Time { return testNow }
	e := NewEngine(cfg, scorer)
	e.now = scorer.now
	return e
}

func TestScoreStaysInRange(t *testing.T) {
	e := newTestEngine(nil)

	overdue := testNow.Add(-time.Hour)
	task := types.NewTask("critical security breach payment emergency")
	task.Tags = []string{"emergency", "critical", "urgent", "vip"}
	task.Priority.ContextImportance = 100
	task.Priority.UserRole = "admin"
	task.Priority.ConversationPriority = 100
	task.Constraints.LatestEnd = &overdue

	e.Add(task)
	if s := task.Priority.Score; s < 0 || s > 100 {
		t.Errorf("score = %v, want within [0,100]", s)
	}

	dull := types.NewTask("x")
	dull.Priority.ContextImportance = 0
	e.Add(dull)
	if s := dull.Priority.Score; s < 0 || s > 100 {
		t.Errorf("score = %v, want within [0,100]", s)
	}
}

func TestUrgencySteps(t *testing.T) {
	scorer := NewScorer(config.DefaultPriorityConfig().Weights, config.DefaultBusinessRules(), nil)
	scorer.now = func() time.Time { return testNow }

	tests := []struct {
		name      string
		remaining time.Duration
		want      float64
	}{
		{"overdue", -time.Minute, 100},
		{"under one estimate", 30 * time.Second, 90},
		{"under two estimates", 90 * time.Second, 60},
		{"under four estimates", 3 * time.Minute, 30},
		{"far out", time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := types.NewTask("deadline test")
			task.Requirements.EstimatedDuration = time.Minute
			deadline := testNow.Add(tt.remaining)
			task.Constraints.LatestEnd = &deadline

			if got := scorer.urgency(task); got != tt.want {
				t.Errorf("urgency = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("no deadline", func(t *testing.T) {
		task := types.NewTask("no deadline")
		if got := scorer.urgency(task); got != 0 {
			t.Errorf("urgency = %v, want 0", got)
		}
	})
}

func TestBusinessRuleKeywordOrder(t *testing.T) {
	scorer := NewScorer(config.DefaultPriorityConfig().Weights, config.DefaultBusinessRules(), nil)
	scorer.now = func() time.Time { return testNow }

	security := types.NewTask("rotate credential store")
	finance := types.NewTask("rebuild billing export")
	plain := types.NewTask("tidy scratch files")

	s1 := scorer.businessRules(security)
	s2 := scorer.businessRules(finance)
	s3 := scorer.businessRules(plain)
	if !(s1 > s2 && s2 > s3) {
		t.Errorf("keyword ordering violated: security=%v finance=%v plain=%v", s1, s2, s3)
	}

	// Weekend penalty applies instead of the business-hours bonus.
	scorer.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }
	weekend := scorer.businessRules(plain)
	if weekend >= s3 {
		t.Errorf("weekend score %v not below weekday score %v", weekend, s3)
	}
}

func TestOverrideBeatsComputedScores(t *testing.T) {
	e := newTestEngine(nil)

	low := types.NewTask("low")
	low.Priority.ContextImportance = 5
	med := types.NewTask("med")
	med.Priority.ContextImportance = 50
	hi := types.NewTask("hi")
	hi.Priority.ContextImportance = 95
	hi.Tags = []string{"critical"}

	e.Add(low)
	e.Add(med)
	e.Add(hi)

	if !e.OverridePriority(low.ID, 100) {
		t.Fatal("OverridePriority returned false for queued task")
	}
	if e.OverridePriority("ghost", 50) {
		t.Error("OverridePriority accepted unknown id")
	}

	got := []*types.Task{e.Pop(), e.Pop(), e.Pop()}
	want := []*types.Task{low, hi, med}
	for i := range want {
		if got[i] == nil || got[i].ID != want[i].ID {
			t.Fatalf("pop %d = %v, want %s", i, got[i], want[i].Description)
		}
	}
	if e.Pop() != nil {
		t.Error("Pop on empty queue should return nil")
	}
}

func TestPopSkipsNotYetExecutable(t *testing.T) {
	e := newTestEngine(nil)

	future := testNow.Add(time.Hour)
	gated := types.NewTask("gated")
	gated.Priority.ContextImportance = 100
	gated.Tags = []string{"critical"}
	gated.Constraints.EarliestStart = &future

	runnable := types.NewTask("runnable")
	runnable.Priority.ContextImportance = 10

	e.Add(gated)
	e.Add(runnable)

	if got := e.Pop(); got == nil || got.ID != runnable.ID {
		t.Fatalf("Pop = %v, want runnable", got)
	}
	// The gated task stays queued.
	if !e.Contains(gated.ID) {
		t.Error("gated task fell out of the queue")
	}
	if got := e.Pop(); got != nil {
		t.Errorf("Pop returned %s, want nil while only a gated task remains", got.ID)
	}
}

func TestPopRescoresDriftedCandidate(t *testing.T) {
	e := newTestEngine(nil)

	a := types.NewTask("a")
	a.Priority.ContextImportance = 90
	b := types.NewTask("b")
	b.Priority.ContextImportance = 60

	e.Add(a)
	e.Add(b)

	// Collapse a's importance so its fresh score drifts past the threshold.
	a.Priority.ContextImportance = 0
	a.Tags = nil

	if got := e.Pop(); got == nil || got.ID != b.ID {
		t.Fatalf("Pop = %v, want b after a's drift", got)
	}
	// a was re-inserted with its fresh score and pops next.
	if got := e.Pop(); got == nil || got.ID != a.ID {
		t.Fatalf("second Pop = %v, want a", got)
	}
}

func TestDependencyPressureRaisesProducer(t *testing.T) {
	e := newTestEngine(nil)

	producer := types.NewTask("producer")
	lone := types.NewTask("lone")

	waiter := types.NewTask("waiter")
	waiter.Dependencies = []*types.Dependency{
		{ID: "e1", TargetTaskID: producer.ID, Kind: types.DependencyHard},
	}

	e.Add(producer)
	e.Add(lone)
	e.Add(waiter)
	e.Update(producer)

	if producer.Priority.Factors[FactorDependency] <= lone.Priority.Factors[FactorDependency] {
		t.Errorf("producer pressure %v not above lone %v",
			producer.Priority.Factors[FactorDependency], lone.Priority.Factors[FactorDependency])
	}
}

func TestUpdateContextRecomputes(t *testing.T) {
	e := newTestEngine(nil)

	task := types.NewTask("needs gpu")
	task.Requirements.Special = map[string]int{"gpu": 1}
	e.Add(task)
	withGPU := task.Priority.Score

	e.UpdateContext(SystemContext{
		CPUAvailable: 4, CPUTotal: 8,
		MemoryAvailableMB: 4096, MemoryTotalMB: 8192,
		SpecialAvailable: map[string]int{},
		SystemLoad:       0.9,
	})
	if task.Priority.Score >= withGPU {
		t.Errorf("score %v did not drop after resources vanished (was %v)", task.Priority.Score, withGPU)
	}

	st := e.Stats()
	if st.QueueDepth != 1 || st.LastRecompute.IsZero() {
		t.Errorf("stats = %+v", st)
	}
}

func TestPerformanceBonusPrefersReliableSkills(t *testing.T) {
	perf := func(name string) (float64, time.Duration, bool) {
		switch name {
		case "reliable":
			return 1.0, time.Second, true
		case "flaky":
			return 0.2, 10 * time.Second, true
		}
		return 0, 0, false
	}
	scorer := NewScorer(config.DefaultPriorityConfig().Weights, config.DefaultBusinessRules(), perf)
	scorer.now = func() time.Time { return testNow }

	good := types.NewTask("t")
	good.SkillName = "reliable"
	good.Requirements.EstimatedDuration = time.Second
	bad := types.NewTask("t")
	bad.SkillName = "flaky"
	bad.Requirements.EstimatedDuration = time.Second
	unknown := types.NewTask("t")
	unknown.SkillName = "mystery"

	if scorer.performanceBonus(good) <= scorer.performanceBonus(bad) {
		t.Error("reliable skill did not outscore flaky skill")
	}
	if got := scorer.performanceBonus(unknown); got != 50 {
		t.Errorf("unknown skill bonus = %v, want neutral 50", got)
	}
}

func TestRemoveAndLowestScored(t *testing.T) {
	e := newTestEngine(nil)

	low := types.NewTask("low")
	low.Priority.ContextImportance = 1
	hi := types.NewTask("hi")
	hi.Priority.ContextImportance = 99
	hi.Tags = []string{"critical"}

	e.Add(low)
	e.Add(hi)

	if ids := e.LowestScored(1); len(ids) != 1 || ids[0] != low.ID {
		t.Errorf("LowestScored = %v, want [%s]", ids, low.ID)
	}

	if !e.Remove(low.ID) {
		t.Fatal("Remove returned false for queued task")
	}
	if e.Remove(low.ID) {
		t.Error("second Remove returned true")
	}
	if e.Len() != 1 {
		t.Errorf("Len = %d, want 1", e.Len())
	}
}
