/* usbipd - USB/IP server daemon
 *
 * Bus-path identity and sorted address-list diffing, used to
 * recompute busid strings on every enumeration and to detect
 * hotplug add/remove events between rescans
 */

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DevPath identifies a device by its live USB topology: bus number
// plus the chain of hub ports leading to it. It is never persisted;
// it is recomputed on every enumeration and only valid for the
// lifetime of a single physical connection.
type DevPath struct {
	Bus   int
	Ports []int
}

// BusID renders the canonical USB/IP wire identifier, e.g. "1-4.3"
func (p DevPath) BusID() string {
	return busIDFromParts(p.Bus, p.Ports)
}

func busIDFromParts(bus int, ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", bus, strings.Join(parts, "."))
}

// String implements fmt.Stringer
func (p DevPath) String() string { return p.BusID() }

// Less orders DevPaths for use in a sorted DevPathList, first by bus,
// then lexicographically by port chain
func (p DevPath) Less(q DevPath) bool {
	if p.Bus != q.Bus {
		return p.Bus < q.Bus
	}
	for i := 0; i < len(p.Ports) && i < len(q.Ports); i++ {
		if p.Ports[i] != q.Ports[i] {
			return p.Ports[i] < q.Ports[i]
		}
	}
	return len(p.Ports) < len(q.Ports)
}

func (p DevPath) equal(q DevPath) bool {
	if p.Bus != q.Bus || len(p.Ports) != len(q.Ports) {
		return false
	}
	for i := range p.Ports {
		if p.Ports[i] != q.Ports[i] {
			return false
		}
	}
	return true
}

// DevPathList is a sorted, duplicate-free list of DevPaths, used the
// same way the teacher's UsbAddrList is: to diff two enumeration
// snapshots and discover what was plugged in or unplugged between
// rescans.
type DevPathList []DevPath

// Add inserts p into the list, preserving sort order and uniqueness
func (list *DevPathList) Add(p DevPath) {
	i := sort.Search(len(*list), func(n int) bool {
		return !(*list)[n].Less(p)
	})

	if i < len(*list) && (*list)[i].equal(p) {
		return
	}

	if i == len(*list) {
		*list = append(*list, p)
		return
	}

	*list = append(*list, (*list)[i])
	copy((*list)[i+1:], (*list)[i:len(*list)-1])
	(*list)[i] = p
}

// Find returns the index of p in the list, or -1
func (list DevPathList) Find(p DevPath) int {
	i := sort.Search(len(list), func(n int) bool {
		return !list[n].Less(p)
	})
	if i < len(list) && list[i].equal(p) {
		return i
	}
	return -1
}

// Diff computes which entries must be added and removed to turn list
// into other
func (list DevPathList) Diff(other DevPathList) (added, removed DevPathList) {
	for _, p := range other {
		if list.Find(p) < 0 {
			added.Add(p)
		}
	}
	for _, p := range list {
		if other.Find(p) < 0 {
			removed.Add(p)
		}
	}
	return
}
