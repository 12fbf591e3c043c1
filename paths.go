/* usbipd - USB/IP server daemon
 *
 * Common paths
 */

package main

import (
	"os"
	"path/filepath"
)

// PathConfDir is the system-wide configuration directory, consulted
// before the operator's own config file. usbipd itself runs
// unprivileged, but an administrator may still want to pin defaults
// (listen port, isochronous support) for every user on the host.
const PathConfDir = "/etc/usbipd"

// userStateDir returns the operator's per-user state directory; it
// does not create it, callers that write there do. usbipd runs unprivileged and keeps its
// bindings, control socket and logs under the caller's own config
// home rather than system-wide state, unlike the system daemon it
// was adapted from.
func userStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "usbipd")
}

// PathBindings is the XML file persisting the bound-device set
func PathBindings() string {
	return filepath.Join(userStateDir(), "bindings.xml")
}

// PathControlSocket is the Unix-domain socket the CLI uses to talk
// to a running daemon
func PathControlSocket() string {
	return filepath.Join(userStateDir(), "control.sock")
}

// PathLogDir is where the daemon's own log file, if enabled, is kept
func PathLogDir() string {
	return filepath.Join(userStateDir(), "log")
}

// PathLockFile is the single-instance lock file, preventing two
// daemon processes for the same user from serving the same devices
func PathLockFile() string {
	return filepath.Join(userStateDir(), "usbipd.lock")
}
