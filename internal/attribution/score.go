package attribution

import (
	"sort"
	"time"
)

// Weights are the calibration constants of the parent-inference model.
// They were tuned by hand and are expected to change with product tuning.
type Weights struct {
	Opener         float64 // opener tab is tracked
	OpenerURLMatch float64 // opener currently shows the same URL
	Recent         float64 // tracked tab recently focused in the same window
	RecentURLMatch float64 // its last known URL is the same
	FocusMovedAway float64 // focus has since moved to another tab (negative)
	BlankPaste     float64 // new tab started blank, as when pasting a URL
	Decay          float64 // applied to every candidate after DecayAfter (negative)
	Disagreement   float64 // applied to both when opener and recent differ (negative)
	Threshold      float64 // minimum score to accept a parent

	RecentWindow time.Duration
	DecayAfter   time.Duration
}

// DefaultWeights returns the shipped calibration.
func DefaultWeights() Weights {
	return Weights{
		Opener:         0.55,
		OpenerURLMatch: 0.20,
		Recent:         0.35,
		RecentURLMatch: 0.20,
		FocusMovedAway: -0.15,
		BlankPaste:     0.10,
		Decay:          -0.10,
		Disagreement:   -0.125,
		Threshold:      0.70,
		RecentWindow:   12 * time.Second,
		DecayAfter:     2500 * time.Millisecond,
	}
}

// Signals is what the engine observed about a new tab.
type Signals struct {
	OpenerNode     string // node of the tracked opener, if any
	OpenerURLMatch bool

	RecentNode     string // node of the recently focused tracked tab, if any
	RecentURLMatch bool
	FocusMovedAway bool

	InitialBlank bool
	Age          time.Duration // time since the tab was created
}

// Candidate is a scored parent.
type Candidate struct {
	NodeID string
	Score  float64
}

// Score turns signals into candidates, best first. The opener and the
// recent tab add to the same candidate when they are the same node.
func (w Weights) Score(s Signals) []Candidate {
	scores := make(map[string]float64)
	var order []string
	add := func(id string, v float64) {
		if _, ok := scores[id]; !ok {
			order = append(order, id)
		}
		scores[id] += v
	}

	if s.OpenerNode != "" {
		add(s.OpenerNode, w.Opener)
		if s.OpenerURLMatch {
			add(s.OpenerNode, w.OpenerURLMatch)
		}
	}
	if s.RecentNode != "" {
		add(s.RecentNode, w.Recent)
		if s.RecentURLMatch {
			add(s.RecentNode, w.RecentURLMatch)
		}
		if s.FocusMovedAway {
			add(s.RecentNode, w.FocusMovedAway)
		}
		if s.InitialBlank {
			add(s.RecentNode, w.BlankPaste)
		}
	}
	if s.Age > w.DecayAfter {
		for id := range scores {
			scores[id] += w.Decay
		}
	}
	if s.OpenerNode != "" && s.RecentNode != "" && s.OpenerNode != s.RecentNode {
		scores[s.OpenerNode] += w.Disagreement
		scores[s.RecentNode] += w.Disagreement
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, Candidate{NodeID: id, Score: scores[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Pick returns the best candidate if it clears the threshold.
func (w Weights) Pick(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	// tolerate float rounding at the threshold
	if best.Score+1e-9 < w.Threshold {
		return Candidate{}, false
	}
	return best, true
}
