/* usbipd - USB/IP server daemon
 *
 * Device enumerator: walks the locally attached USB devices through
 * gousb/libusb and reports their identity and descriptor tree
 */

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/gousb"
)

// LiveDevice describes one USB device currently visible on the host,
// as reported by a single enumeration pass. It never outlives the
// pass that created it; open handles are obtained separately by the
// Device adapter when a client actually attaches.
type LiveDevice struct {
	Path          DevPath
	DevNum        uint32
	VendorID      gousb.ID
	ProductID     gousb.ID
	BcdDevice     uint16
	Class         uint8
	SubClass      uint8
	Protocol      uint8
	ConfigValue   uint8
	NumConfigs    uint8
	Speed         uint32
	Serial        string
	Manufacturer  string
	Product       string
	Interfaces    []InterfaceDesc
}

// Identity is the durable (vendor, product, serial) tuple used to key
// bindings; it survives replugging into a different port, unlike
// DevPath/busid.
type Identity struct {
	VendorID  uint16
	ProductID uint16
	Serial    string
}

func (id Identity) String() string {
	if id.Serial == "" {
		return fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
	}
	return fmt.Sprintf("%04x:%04x:%s", id.VendorID, id.ProductID, id.Serial)
}

// Identity returns the device's durable identity tuple
func (d LiveDevice) Identity() Identity {
	return Identity{VendorID: uint16(d.VendorID), ProductID: uint16(d.ProductID), Serial: d.Serial}
}

// cleanUSBString truncates a USB string descriptor at the first
// embedded NUL and trims surrounding whitespace; some devices return
// garbage bytes after the terminator of manufacturer/product/serial
// strings.
func cleanUSBString(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// usbSpeed converts gousb's speed enum to the USB/IP wire speed code
func usbSpeed(s gousb.Speed) uint32 {
	switch s {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

// Enumerator wraps a gousb.Context and produces LiveDevice snapshots
type Enumerator struct {
	ctx *gousb.Context
	log *Logger
}

// NewEnumerator creates an Enumerator bound to ctx
func NewEnumerator(ctx *gousb.Context, log *Logger) *Enumerator {
	return &Enumerator{ctx: ctx, log: log}
}

// Enumerate lists every USB device currently visible to libusb and
// decodes enough of its descriptor tree to populate a LiveDevice. A
// per-device devnum is synthesized as a small stable-within-this-pass
// counter; the USB/IP protocol only requires devnum be unique and
// nonzero within a devid, not that it match any kernel-internal value.
func (e *Enumerator) Enumerate() ([]LiveDevice, error) {
	var result []LiveDevice
	devnum := uint32(1)

	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	for _, dev := range devs {
		defer dev.Close()
	}
	if err != nil && len(devs) == 0 {
		return nil, err
	}

	for _, dev := range devs {
		ld, derr := e.describe(dev, devnum)
		if derr != nil {
			if e.log != nil {
				e.log.Debug(' ', "enum: skipping bus %d addr %d: %s",
					dev.Desc.Bus, dev.Desc.Address, derr)
			}
			continue
		}
		devnum++
		result = append(result, ld)
	}

	return result, nil
}

func (e *Enumerator) describe(dev *gousb.Device, devnum uint32) (LiveDevice, error) {
	desc := dev.Desc

	ld := LiveDevice{
		// gousb.DeviceDesc.Port is the immediate upstream hub port;
		// combined with Bus it is stable and unique enough to build
		// a sortable per-rescan identifier, though it collapses the
		// full hub chain a real /sys busid would show for devices
		// nested behind more than one hub.
		Path:      DevPath{Bus: desc.Bus, Ports: []int{desc.Port}},
		DevNum:    devnum,
		VendorID:  desc.Vendor,
		ProductID: desc.Product,
		Speed:     usbSpeed(desc.Speed),
	}

	ld.Class = uint8(desc.Class)
	ld.SubClass = uint8(desc.SubClass)
	ld.Protocol = uint8(desc.Protocol)
	ld.NumConfigs = uint8(len(desc.Configs))

	configNums := make([]int, 0, len(desc.Configs))
	for n := range desc.Configs {
		configNums = append(configNums, n)
	}
	sort.Ints(configNums)

	if len(configNums) > 0 {
		cfg := desc.Configs[configNums[0]]
		ld.ConfigValue = uint8(cfg.Number)

		ifaceNums := make([]int, 0, len(cfg.Interfaces))
		for n := range cfg.Interfaces {
			ifaceNums = append(ifaceNums, n)
		}
		sort.Ints(ifaceNums)

		for _, n := range ifaceNums {
			intf := cfg.Interfaces[n]
			if len(intf.AltSettings) == 0 {
				continue
			}
			alt := intf.AltSettings[0]
			ld.Interfaces = append(ld.Interfaces, InterfaceDesc{
				Class:    uint8(alt.Class),
				SubClass: uint8(alt.SubClass),
				Protocol: uint8(alt.Protocol),
			})
		}
	}

	var err error
	ld.Manufacturer, err = dev.Manufacturer()
	if err == nil {
		ld.Manufacturer = cleanUSBString(ld.Manufacturer)
	}
	ld.Product, err = dev.Product()
	if err == nil {
		ld.Product = cleanUSBString(ld.Product)
	}
	ld.Serial, err = dev.SerialNumber()
	if err == nil {
		ld.Serial = cleanUSBString(ld.Serial)
	}

	return ld, nil
}
