package models

// Stage is the lifecycle position of a job.
type Stage string

const (
	StageSearching Stage = "searching"
	StageEnRoute   Stage = "enRoute"
	StageArriving  Stage = "arriving"
	StageFixing    Stage = "fixing"
	StageComplete  Stage = "complete"
	StageCancelled Stage = "cancelled"
)

var stageRank = map[Stage]int{
	StageSearching: 0,
	StageEnRoute:   1,
	StageArriving:  2,
	StageFixing:    3,
	StageComplete:  4,
	// cancelled outranks everything so it always wins an ordering comparison
	StageCancelled: 5,
}

// Rank orders stages along the forward path. Unknown stages rank -1.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

func (s Stage) Valid() bool { return s.Rank() >= 0 }

func (s Stage) Terminal() bool { return s == StageComplete || s == StageCancelled }

// CanTransition reports whether from -> to is a legal single step.
func CanTransition(from, to Stage) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if to == StageCancelled {
		return from != StageSearching
	}
	return to.Rank() == from.Rank()+1
}
