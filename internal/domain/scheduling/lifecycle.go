package scheduling

// transitions lists the legal next states for each status. Terminal states
// map to nil.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
	StatusNoShow:     nil,
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s.
func IsTerminal(s Status) bool {
	next, known := transitions[s]
	return known && len(next) == 0
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
