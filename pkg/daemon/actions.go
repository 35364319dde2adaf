package daemon

import (
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brickd-dev/brickd/pkg/config"
	"github.com/brickd-dev/brickd/pkg/supply"
)

// actions executes the side effects of a critical battery transition:
// warning logged-in users and shutting the board down. The core only emits
// the state change; everything here is host policy.
type actions struct {
	broadcastWall   bool
	shutdownEnabled bool
	shutdownCommand string

	// A critical state can be republished (e.g. on rebind); the shutdown
	// command runs once per process.
	shutdownOnce sync.Once

	runCommand func(name string, args ...string) error
}

func newActions(cfg *config.Config) *actions {
	return &actions{
		broadcastWall:   cfg.BroadcastWall,
		shutdownEnabled: cfg.ShutdownOnCritical,
		shutdownCommand: cfg.ShutdownCommand,
		runCommand:      runCommand,
	}
}

func runCommand(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (a *actions) onCriticalTransition(state supply.BatteryState) {
	logrus.WithField("state", state.String()).Warn("critical battery condition")

	if a.broadcastWall {
		message := "Battery level is critical, system will shut down"
		if state == supply.StateCriticalHighTemperature {
			message = "Battery temperature is critical, system will shut down"
		}
		if err := a.runCommand("wall", message); err != nil {
			logrus.WithError(err).Warn("wall broadcast failed")
		}
	}

	if a.shutdownEnabled {
		a.shutdownOnce.Do(func() {
			logrus.Warnf("executing %s", a.shutdownCommand)
			if err := a.runCommand(a.shutdownCommand); err != nil {
				logrus.WithError(err).Error("shutdown command failed")
			}
		})
	}
}
