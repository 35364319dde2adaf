// Package hotplug delivers power-supply add/remove events from the kernel's
// uevent netlink socket to the supply registry.
package hotplug

import (
	"path"
	"strings"

	"github.com/pilebones/go-udev/netlink"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brickd-dev/brickd/pkg/supply"
)

var log = logrus.WithField("component", "hotplug")

// Feed watches kobject uevents for the power_supply subsystem and forwards
// them as supply events.
type Feed struct {
	conn   *netlink.UEventConn
	events chan<- supply.Event

	quit    chan struct{}
	monQuit chan struct{}
	closed  chan struct{}
}

// NewFeed connects to the uevent netlink socket. The caller owns the events
// channel; the feed only sends on it.
func NewFeed(events chan<- supply.Event) (*Feed, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, errors.Wrap(err, "connecting to uevent netlink socket")
	}
	return &Feed{
		conn:   conn,
		events: events,
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}, nil
}

// Start begins monitoring. Events arrive on the channel passed to NewFeed
// until Stop is called.
func (f *Feed) Start() error {
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": "power_supply"}},
		},
	}
	if err := matcher.Compile(); err != nil {
		return errors.Wrap(err, "compiling uevent matcher")
	}

	queue := make(chan netlink.UEvent, 8)
	errs := make(chan error, 1)
	f.monQuit = f.conn.Monitor(queue, errs, matcher)

	go func() {
		defer close(f.closed)
		for {
			select {
			case uevent := <-queue:
				f.forward(uevent)
			case err := <-errs:
				log.WithError(err).Warn("uevent monitor error")
			case <-f.quit:
				return
			}
		}
	}()
	return nil
}

// Stop shuts the monitor down and closes the netlink socket. Safe to call
// on a feed whose Start failed.
func (f *Feed) Stop() {
	if f.monQuit != nil {
		close(f.quit)
		<-f.closed
		close(f.monQuit)
	}
	if err := f.conn.Close(); err != nil {
		log.WithError(err).Debug("closing uevent socket")
	}
}

func (f *Feed) forward(uevent netlink.UEvent) {
	var action supply.EventAction
	switch uevent.Action {
	case netlink.ADD:
		action = supply.ActionAdd
	case netlink.REMOVE:
		action = supply.ActionRemove
	default:
		// change/move/bind events carry nothing the registry needs.
		return
	}

	name := uevent.Env["POWER_SUPPLY_NAME"]
	if name == "" {
		name = path.Base(uevent.KObj)
	}

	ev := supply.Event{
		Action:     action,
		Name:       name,
		Attributes: supplyAttributes(uevent.Env),
	}
	log.WithFields(logrus.Fields{
		"action": ev.Action,
		"supply": ev.Name,
	}).Debug("power_supply uevent")
	f.events <- ev
}

// supplyAttributes maps uevent POWER_SUPPLY_* env vars to the sysfs-style
// lower-case keys the registry expects.
func supplyAttributes(env map[string]string) map[string]string {
	attrs := make(map[string]string, len(env))
	for key, value := range env {
		if !strings.HasPrefix(key, "POWER_SUPPLY_") {
			continue
		}
		attrs[strings.ToLower(strings.TrimPrefix(key, "POWER_SUPPLY_"))] = value
	}
	return attrs
}
