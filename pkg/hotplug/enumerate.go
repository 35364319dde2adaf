package hotplug

import (
	"github.com/pkg/errors"

	"github.com/brickd-dev/brickd/pkg/supply"
	"github.com/brickd-dev/brickd/pkg/sysfs"
)

// Enumerate synthesizes add events for supplies already present in sysfs.
// Supplies plugged in before the daemon started never produce a uevent, so
// this runs once at startup, before the netlink feed.
func Enumerate(reader *sysfs.Reader, events chan<- supply.Event) error {
	names, err := reader.List()
	if err != nil {
		return errors.Wrap(err, "enumerating power supplies")
	}
	for _, name := range names {
		attrs, err := reader.Attributes(name)
		if err != nil {
			log.WithError(err).Warnf("skipping supply %s", name)
			continue
		}
		events <- supply.Event{
			Action:     supply.ActionAdd,
			Name:       name,
			Attributes: attrs,
		}
	}
	return nil
}
