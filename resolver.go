/* usbipd - USB/IP server daemon
 *
 * Binding resolver: matches the binding store against the live
 * device enumeration to build the export table, and watches for
 * hotplug changes to trigger a rescan
 */

package main

import (
	"context"
	"time"
)

// Resolver ties a BindingStore to an Enumerator and keeps an
// ExportTable up to date.
type Resolver struct {
	store *BindingStore
	enum  *Enumerator
	table *ExportTable
	log   *Logger

	lastPaths DevPathList
}

// NewResolver creates a Resolver
func NewResolver(store *BindingStore, enum *Enumerator, table *ExportTable, log *Logger) *Resolver {
	return &Resolver{store: store, enum: enum, table: table, log: log}
}

// Rescan re-enumerates host devices, matches bound identities against
// what's connected, and installs the result into the export table.
// Bound devices that are not currently connected are warned about and
// skipped, mirroring the original tool's startup behavior rather than
// failing outright.
func (r *Resolver) Rescan() error {
	live, err := r.enum.Enumerate()
	if err != nil {
		return err
	}

	bindings := r.store.List()
	wanted := make(map[Identity]bool, len(bindings))
	for _, b := range bindings {
		wanted[b.Identity()] = true
	}

	var exported []LiveDevice
	seen := make(map[Identity]bool)
	for _, d := range live {
		id := d.Identity()
		if wanted[id] {
			exported = append(exported, d)
			seen[id] = true
		}
	}

	for _, b := range bindings {
		if !seen[b.Identity()] && r.log != nil {
			r.log.Info('!', "resolver: bound device %s is not currently connected", b.Identity())
		}
	}

	r.table.Replace(exported)

	var paths DevPathList
	for _, d := range live {
		paths.Add(d.Path)
	}
	r.lastPaths = paths

	return nil
}

// Changed reports whether the live topology has added or removed any
// device since the last Rescan, without actually installing a new
// snapshot; used by the hotplug watch loop to decide whether a
// Rescan is warranted.
func (r *Resolver) Changed() (bool, error) {
	live, err := r.enum.Enumerate()
	if err != nil {
		return false, err
	}

	var paths DevPathList
	for _, d := range live {
		paths.Add(d.Path)
	}

	added, removed := r.lastPaths.Diff(paths)
	return len(added) > 0 || len(removed) > 0, nil
}

// WatchHotplug blocks until ctx is cancelled, polling the host's USB
// topology every RescanRetryInterval and calling Rescan whenever
// Changed reports an add or remove. gousb's public API exposes no
// hotplug notification callback the way raw libusb does, so this
// polls rather than subscribing to an event source.
func (r *Resolver) WatchHotplug(ctx context.Context) {
	ticker := time.NewTicker(RescanRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := r.Changed()
			if err != nil {
				if r.log != nil {
					r.log.Error('!', "resolver: enumerate: %s", err)
				}
				continue
			}
			if !changed {
				continue
			}
			if err := r.Rescan(); err != nil && r.log != nil {
				r.log.Error('!', "resolver: rescan failed: %s", err)
			}
		}
	}
}
