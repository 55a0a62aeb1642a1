package catalog

import (
	"fmt"
	"time"
)

// State is the sync status of one resource. It is one of Idle, Checking,
// UpdateAvailable, Syncing, Succeeded or Failed.
type State interface {
	fmt.Stringer
	isState()
}

// Idle means nothing is known to be pending.
type Idle struct{}

// Checking means a pre-flight check is running.
type Checking struct{}

// UpdateAvailable means the cloud holds rows newer than anything local.
type UpdateAvailable struct {
	RemoteMax time.Time
}

// Syncing means a full pass started at Started is running.
type Syncing struct {
	Started time.Time
}

// Succeeded records the last completed pass.
type Succeeded struct {
	At     time.Time
	Result Result
}

// Failed records the error that aborted the last pass or check.
type Failed struct {
	At  time.Time
	Err error
}

func (Idle) isState()            {}
func (Checking) isState()        {}
func (UpdateAvailable) isState() {}
func (Syncing) isState()         {}
func (Succeeded) isState()       {}
func (Failed) isState()          {}

func (Idle) String() string     { return "idle" }
func (Checking) String() string { return "checking" }

func (s UpdateAvailable) String() string {
	return fmt.Sprintf("update available (remote %s)", s.RemoteMax.Format(time.RFC3339))
}

func (s Syncing) String() string {
	return fmt.Sprintf("syncing since %s", s.Started.Format(time.RFC3339))
}

func (s Succeeded) String() string {
	return fmt.Sprintf("synced at %s: %s", s.At.Format(time.RFC3339), s.Result)
}

func (s Failed) String() string {
	return fmt.Sprintf("failed at %s: %v", s.At.Format(time.RFC3339), s.Err)
}

// Result counts the rows one pass moved.
type Result struct {
	Pushed     int
	Pulled     int
	Tombstoned int
}

func (r Result) String() string {
	return fmt.Sprintf("%d pushed, %d pulled, %d tombstoned", r.Pushed, r.Pulled, r.Tombstoned)
}
