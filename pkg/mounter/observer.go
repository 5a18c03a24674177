package mounter

import (
	"github.com/core-tools/hsu-mounter/pkg/command"
	"github.com/core-tools/hsu-mounter/pkg/config"
)

// Observer is notified from mounter goroutines; implementations must be
// safe for concurrent use.
type Observer interface {
	StateChanged(id config.Identity, from, to State)
	CommandCompleted(id config.Identity, step Step, result command.Result)
	Stopped(id config.Identity, last State)
}

// Observers fans notifications out to every member
type Observers []Observer

var _ Observer = Observers(nil)

func (o Observers) StateChanged(id config.Identity, from, to State) {
	for _, observer := range o {
		observer.StateChanged(id, from, to)
	}
}

func (o Observers) CommandCompleted(id config.Identity, step Step, result command.Result) {
	for _, observer := range o {
		observer.CommandCompleted(id, step, result)
	}
}

func (o Observers) Stopped(id config.Identity, last State) {
	for _, observer := range o {
		observer.Stopped(id, last)
	}
}
