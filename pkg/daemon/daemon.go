// Package daemon wires the supply registry, event bus, hotplug feed and
// protocol server into the running process.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brickd-dev/brickd/pkg/config"
	"github.com/brickd-dev/brickd/pkg/events"
	"github.com/brickd-dev/brickd/pkg/hotplug"
	"github.com/brickd-dev/brickd/pkg/protocol"
	"github.com/brickd-dev/brickd/pkg/supply"
	"github.com/brickd-dev/brickd/pkg/sysfs"
)

const shutdownTimeout = 5 * time.Second

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	logrus.WithFields(cfg.LogrusFields()).Info("starting brickd")

	serial := readSerial(cfg.SerialFile)
	bus := events.NewBus()
	reader := sysfs.NewReader(cfg.SysfsRoot)
	registry := supply.NewRegistry(reader, bus)

	actions := newActions(cfg)
	bus.Subscribe(events.TopicBatteryState, func(value any) {
		state, ok := value.(supply.BatteryState)
		if !ok || !state.Critical() {
			return
		}
		// Bus handlers must not block; the side effects run on their own
		// goroutine.
		go actions.onCriticalTransition(state)
	})

	// All registry mutation goes through this one channel, so add/remove
	// ordering is the feed's ordering.
	deviceEvents := make(chan supply.Event, 16)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		for ev := range deviceEvents {
			registry.HandleEvent(ev)
		}
	}()

	if err := hotplug.Enumerate(reader, deviceEvents); err != nil {
		logrus.WithError(err).Warn("initial supply enumeration failed")
	}

	feed, err := hotplug.NewFeed(deviceEvents)
	if err != nil {
		logrus.WithError(err).Warn("hotplug feed unavailable, supplies present at startup only")
		feed = nil
	} else if err := feed.Start(); err != nil {
		logrus.WithError(err).Warn("hotplug feed failed to start, supplies present at startup only")
		feed.Stop()
		feed = nil
	}

	server := protocol.NewServer(registry, bus, serial)
	if err := server.Listen(cfg.ListenPort); err != nil {
		return errors.Wrap(err, "starting protocol server")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal %q, shutting down", sig)

	if feed != nil {
		feed.Stop()
	}
	close(deviceEvents)
	<-dispatcherDone

	registry.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("some sessions did not finish in time")
	}

	logrus.Info("exiting")
	return nil
}

// readSerial reads the static board serial. A missing serial is not fatal;
// GET system.info.serial then answers "unknown".
func readSerial(path string) string {
	if path == "" {
		return "unknown"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.WithError(err).Warnf("failed to read serial from %s", path)
		return "unknown"
	}
	serial := strings.TrimSpace(string(data))
	if serial == "" {
		return "unknown"
	}
	return serial
}
