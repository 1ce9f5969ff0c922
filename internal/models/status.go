package models

// Status is the download state of a track or collection
type Status string

const (
	StatusNotStarted  Status = ""
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further transition is pending
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// CanTransition reports whether moving from one status to another is allowed.
// Any status may be reset to not started (purge), and a request that cannot
// start moves straight to error.
func CanTransition(from, to Status) bool {
	if to == StatusNotStarted {
		return true
	}
	switch from {
	case StatusNotStarted:
		return to == StatusDownloading || to == StatusError
	case StatusError:
		return to == StatusDownloading || to == StatusError
	case StatusComplete:
		return to == StatusDownloading || to == StatusComplete
	case StatusDownloading:
		return to == StatusComplete || to == StatusError || to == StatusDownloading
	}
	return false
}
