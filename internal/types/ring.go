package types

// OutcomeRing is a fixed-size ring buffer of boolean outcomes. It bounds
// memory and gives a recency-biased success estimate for priority scoring.
type OutcomeRing struct {
	Slots []bool `json:"slots"`
	Size  int    `json:"size"`
	Next  int    `json:"next"`
	Count int    `json:"count"`
}

// NewOutcomeRing creates a ring holding the last n outcomes.
func NewOutcomeRing(n int) *OutcomeRing {
	if n <= 0 {
		n = 20
	}
	return &OutcomeRing{Slots: make([]bool, n), Size: n}
}

// Push records one outcome, evicting the oldest when full.
func (r *OutcomeRing) Push(success bool) {
	r.Slots[r.Next] = success
	r.Next = (r.Next + 1) % r.Size
	if r.Count < r.Size {
		r.Count++
	}
}

// SuccessRatio returns the fraction of successes among recorded outcomes.
// An empty ring reports 1.0 so untried skills are not penalised.
func (r *OutcomeRing) SuccessRatio() float64 {
	if r.Count == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < r.Count; i++ {
		// Walk backwards from the last written slot.
		idx := (r.Next - 1 - i + r.Size*2) % r.Size
		if r.Slots[idx] {
			successes++
		}
	}
	return float64(successes) / float64(r.Count)
}

// Len returns the number of recorded outcomes.
func (r *OutcomeRing) Len() int {
	return r.Count
}

// Last returns the most recent outcome, or false if empty.
func (r *OutcomeRing) Last() (bool, bool) {
	if r.Count == 0 {
		return false, false
	}
	idx := (r.Next - 1 + r.Size) % r.Size
	return r.Slots[idx], true
}
