package domain

import "fmt"

// Status is the canonical lifecycle state of a task instance.
type Status string

const (
	StatusSubmitted    Status = "SUBMITTED"
	StatusDispatched   Status = "DISPATCHED"
	StatusRunning      Status = "RUNNING_EXECUTION"
	StatusSuccess      Status = "SUCCESS"
	StatusFailure      Status = "FAILURE"
	StatusKilled       Status = "KILLED"
	StatusCacheSuccess Status = "CACHE_SUCCESS"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusKilled, StatusCacheSuccess:
		return true
	}
	return false
}

// IsSuccess reports whether s is a successful terminal outcome.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess || s == StatusCacheSuccess
}

// Worker wire codes. Workers report status as integers; these are the only
// codes the master understands.
var statusByCode = map[int]Status{
	0:  StatusSubmitted,
	1:  StatusRunning,
	6:  StatusFailure,
	7:  StatusSuccess,
	9:  StatusKilled,
	17: StatusDispatched,
}

// StatusFromCode resolves a raw worker status code. Unknown codes are a
// ValidationError; there is no fallback status.
func StatusFromCode(code int) (Status, error) {
	s, ok := statusByCode[code]
	if !ok {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status code %d", code)}
	}
	return s, nil
}

// Code returns the wire code for s, if it has one.
func (s Status) Code() (int, bool) {
	for code, st := range statusByCode {
		if st == s {
			return code, true
		}
	}
	return 0, false
}
