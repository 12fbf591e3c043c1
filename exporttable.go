/* usbipd - USB/IP server daemon
 *
 * Export table: the immutable-between-rescans set of devices this
 * daemon offers to USB/IP clients
 */

package main

import (
	"sort"
	"sync"
)

// ExportEntry is one device offered for remote attach
type ExportEntry struct {
	BusID      string
	Path       string
	Device     LiveDevice
	attachedTo *Session
}

// ExportTable indexes ExportEntry by busid and tracks which session,
// if any, currently has each entry attached. Rescans replace the
// whole table; readers between rescans may assume it is stable.
type ExportTable struct {
	mu      sync.Mutex
	entries map[string]*ExportEntry
}

// NewExportTable creates an empty table
func NewExportTable() *ExportTable {
	return &ExportTable{entries: make(map[string]*ExportEntry)}
}

// Replace installs a new snapshot of exported devices wholesale. Any
// busid attached to a live session but absent from devices is kept
// around as a tombstone entry so that session's eventual DRAIN still
// finds something to detach from; everything else is discarded.
func (t *ExportTable) Replace(devices []LiveDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*ExportEntry, len(devices))
	for _, d := range devices {
		busid := d.Path.BusID()
		entry := &ExportEntry{BusID: busid, Path: "/sys/devices/usbipd/" + busid, Device: d}
		if old, ok := t.entries[busid]; ok && old.attachedTo != nil {
			entry.attachedTo = old.attachedTo
		}
		next[busid] = entry
	}

	for busid, old := range t.entries {
		if old.attachedTo == nil {
			continue
		}
		if _, stillPresent := next[busid]; !stillPresent {
			next[busid] = old
		}
	}

	t.entries = next
}

// List returns a stable-ordered snapshot of all entries
func (t *ExportTable) List() []*ExportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := make([]*ExportEntry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BusID < list[j].BusID })
	return list
}

// Attach marks busid's entry attached to sess, failing if it is
// unknown or already attached elsewhere
func (t *ExportTable) Attach(busid string, sess *Session) (*ExportEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[busid]
	if !ok || entry.attachedTo != nil {
		return nil, false
	}
	entry.attachedTo = sess
	return entry, true
}

// Detach clears the attachment on busid, if sess is indeed the
// current owner
func (t *ExportTable) Detach(busid string, sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[busid]; ok && entry.attachedTo == sess {
		entry.attachedTo = nil
	}
}
