package priority

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// item is one heap entry. seq breaks score ties so ordering is stable.
type item struct {
	task  *types.Task
	score float64
	seq   uint64
	index int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	QueueDepth    int       `json:"queue_depth"`
	AvgScore      float64   `json:"avg_score"`
	MinScore      float64   `json:"min_score"`
	MaxScore      float64   `json:"max_score"`
	Overrides     int       `json:"overrides"`
	TotalScored   int64     `json:"total_scored"`
	TotalPopped   int64     `json:"total_popped"`
	TotalRescored int64     `json:"total_rescored"`
	LastRecompute time.Time `json:"last_recompute,omitempty"`
}

// Engine is the priority queue over ready tasks.
type Engine struct {
	mu sync.Mutex

	scorer *Scorer
	ctx    SystemContext

	heap  taskHeap
	items map[string]*item
	seq   uint64

	rescoreThreshold float64

	totalScored   int64
	totalPopped   int64
	totalRescored int64
	lastRecompute time.Time

	now func() time.Time
}

// NewEngine builds a priority engine from the given config and scorer.
func NewEngine(cfg config.PriorityConfig, scorer *Scorer) *Engine {
	threshold := cfg.RescoreThreshold
	if threshold <= 0 {
		threshold = 10
	}
	return &Engine{
		scorer:           scorer,
		items:            make(map[string]*item),
		rescoreThreshold: threshold,
		now:              time.Now,
	}
}

// Add scores the task and inserts it. Adding a task already in the queue
// re-scores it in place.
func (e *Engine) Add(t *types.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.items[t.ID]; ok {
		existing.score = e.scoreLocked(t)
		heap.Fix(&e.heap, existing.index)
		return
	}

	e.seq++
	it := &item{task: t, score: e.scoreLocked(t), seq: e.seq}
	e.items[t.ID] = it
	heap.Push(&e.heap, it)

	logging.PriorityDebug("Queued task %s score=%.1f depth=%d", t.ID, it.score, len(e.heap))
}

// Peek returns the current highest-score task without removing it.
func (e *Engine) Peek() *types.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.heap) == 0 {
		return nil
	}
	return e.heap[0].task
}

// Pop removes and returns the highest-score executable task. Each candidate
// is re-scored first; if its fresh score drifts past the threshold it is
// re-inserted and the next candidate tried, and a candidate whose earliest
// start has not arrived is re-inserted too. Returns nil when nothing in the
// queue is executable.
func (e *Engine) Pop() *types.Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var deferred []*item
	var result *types.Task

	for len(e.heap) > 0 {
		it := heap.Pop(&e.heap).(*item)

		if !it.task.CanExecuteNow(now) {
			deferred = append(deferred, it)
			continue
		}

		fresh := e.scoreLocked(it.task)
		if diff := fresh - it.score; diff > e.rescoreThreshold || diff < -e.rescoreThreshold {
			e.totalRescored++
			it.score = fresh
			deferred = append(deferred, it)
			continue
		}

		it.score = fresh
		delete(e.items, it.task.ID)
		e.totalPopped++
		result = it.task
		break
	}

	for _, it := range deferred {
		heap.Push(&e.heap, it)
	}

	if result != nil {
		logging.PriorityDebug("Popped task %s score=%.1f", result.ID, result.Priority.EffectiveScore())
	}
	return result
}

// Update re-scores a queued task after its attributes changed.
func (e *Engine) Update(t *types.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok := e.items[t.ID]
	if !ok {
		return
	}
	it.task = t
	it.score = e.scoreLocked(t)
	heap.Fix(&e.heap, it.index)
}

// Remove drops a task from the queue. Returns false if it was not queued.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok := e.items[id]
	if !ok {
		return false
	}
	heap.Remove(&e.heap, it.index)
	delete(e.items, id)
	return true
}

// Contains reports whether the task is queued.
func (e *Engine) Contains(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.items[id]
	return ok
}

// Len returns the queue depth.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.heap)
}

// UpdateContext swaps the system context and recomputes every queue member.
func (e *Engine) UpdateContext(ctx SystemContext) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx = ctx
	for _, it := range e.items {
		it.score = e.scoreLocked(it.task)
	}
	heap.Init(&e.heap)
	e.lastRecompute = e.now()

	logging.PriorityDebug("Recomputed %d queued tasks after context update", len(e.items))
}

// OverridePriority pins the task's score to p, bypassing computation. The
// task may be queued or not; when queued its heap position updates.
func (e *Engine) OverridePriority(id string, p float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, ok := e.items[id]
	if !ok {
		return false
	}
	pinned := clamp(p, 0, 100)
	it.task.Priority.UserOverride = &pinned
	it.task.Priority.Score = pinned
	it.score = pinned
	heap.Fix(&e.heap, it.index)

	logging.Priority("Override on task %s: score pinned to %.1f", id, pinned)
	return true
}

// LowestScored returns up to n queued task ids from the bottom of the score
// range, lowest first. The scheduler uses this for backpressure pausing.
func (e *Engine) LowestScored(n int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	type entry struct {
		id    string
		score float64
	}
	all := make([]entry, 0, len(e.items))
	for id, it := range e.items {
		all = append(all, entry{id, it.score})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })
	if n > len(all) {
		n = len(all)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, all[i].id)
	}
	return ids
}

// Stats summarises the queue.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		QueueDepth:    len(e.heap),
		TotalScored:   e.totalScored,
		TotalPopped:   e.totalPopped,
		TotalRescored: e.totalRescored,
		LastRecompute: e.lastRecompute,
	}
	if len(e.heap) == 0 {
		return st
	}

	st.MinScore = e.heap[0].score
	st.MaxScore = e.heap[0].score
	sum := 0.0
	for _, it := range e.heap {
		sum += it.score
		if it.score < st.MinScore {
			st.MinScore = it.score
		}
		if it.score > st.MaxScore {
			st.MaxScore = it.score
		}
		if it.task.Priority.UserOverride != nil {
			st.Overrides++
		}
	}
	st.AvgScore = sum / float64(len(e.heap))
	return st
}

// scoreLocked counts waiters across the queue and delegates to the scorer.
// Caller holds the lock.
func (e *Engine) scoreLocked(t *types.Task) float64 {
	waiters, highPriority := 0, 0
	for _, other := range e.items {
		if other.task.ID == t.ID {
			continue
		}
		for _, dep := range other.task.Dependencies {
			if dep.Kind == types.DependencyHard && dep.TargetTaskID == t.ID {
				waiters++
				if other.task.Priority.EffectiveScore() > 70 {
					highPriority++
				}
				break
			}
		}
	}
	e.totalScored++
	return e.scorer.Score(t, e.ctx, waiters, highPriority)
}
