/* usbipd - USB/IP server daemon
 *
 * Program configuration
 */

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// ConfFileName is the name of the usbipd configuration file
const ConfFileName = "usbipd.conf"

// Configuration represents a program configuration
type Configuration struct {
	ListenPort   int      // TCP port the USB/IP server listens on
	LoopbackOnly bool      // Reject clients not connecting via loopback
	IPv6Enable   bool      // Listen on IPv6 as well as IPv4
	IsoEnable    bool      // Allow isochronous transfers
	LogMain      LogLevel  // Main log LogLevel mask
	LogConsole   LogLevel  // Console LogLevel mask
	LogMaxFileSize    int64 // Maximum log file size before rotation
	LogMaxBackupFiles uint  // Count of rotated log files preserved
	ColorConsole bool       // Enable ANSI colors on console
}

// Conf contains a global instance of program configuration
var Conf = Configuration{
	ListenPort:        ListenPort,
	LoopbackOnly:      false,
	IPv6Enable:        true,
	IsoEnable:         false,
	LogMain:           LogInfo,
	LogConsole:        LogInfo,
	LogMaxFileSize:    256 * 1024,
	LogMaxBackupFiles: 5,
	ColorConsole:      true,
}

// ConfLoad loads the program configuration, applying files in order
// so a user config can override the system-wide one; a missing file
// at either path is not an error.
func ConfLoad() error {
	exepath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("conf: %s", err)
	}
	exepath = filepath.Dir(exepath)

	files := []string{
		filepath.Join(PathConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
		filepath.Join(userStateDir(), ConfFileName),
	}

	for _, file := range files {
		if err := confLoadFile(file); err != nil {
			return fmt.Errorf("conf: %s: %s", file, err)
		}
	}

	if Conf.ListenPort < 1 || Conf.ListenPort > 65535 {
		return errors.New("conf: listen-port must be in range 1...65535")
	}

	return nil
}

func confLoadFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	net := cfg.Section("network")
	Conf.ListenPort = net.Key("listen-port").MustInt(Conf.ListenPort)
	Conf.LoopbackOnly = confBinary(net.Key("interface").String(), Conf.LoopbackOnly, "all", "loopback")
	Conf.IPv6Enable = confBinary(net.Key("ipv6").String(), Conf.IPv6Enable, "disable", "enable")

	usb := cfg.Section("usb")
	Conf.IsoEnable = confBinary(usb.Key("isochronous").String(), Conf.IsoEnable, "disable", "enable")

	logging := cfg.Section("logging")
	Conf.LogMain = confLogLevel(logging.Key("main-log").String(), Conf.LogMain)
	Conf.LogConsole = confLogLevel(logging.Key("console-log").String(), Conf.LogConsole)
	Conf.ColorConsole = confBinary(logging.Key("console-color").String(), Conf.ColorConsole, "disable", "enable")
	Conf.LogMaxFileSize = logging.Key("max-file-size").MustInt64(Conf.LogMaxFileSize)
	Conf.LogMaxBackupFiles = uint(logging.Key("max-backup-files").MustUint(uint(Conf.LogMaxBackupFiles)))

	return nil
}

// confBinary resolves an optional two-valued key, leaving cur
// untouched when the key is absent
func confBinary(value string, cur bool, vFalse, vTrue string) bool {
	switch value {
	case vFalse:
		return false
	case vTrue:
		return true
	default:
		return cur
	}
}

// confLogLevel parses a comma-separated list of log level names,
// leaving cur untouched when the key is absent
func confLogLevel(value string, cur LogLevel) LogLevel {
	if strings.TrimSpace(value) == "" {
		return cur
	}

	var mask LogLevel
	for _, s := range strings.Split(value, ",") {
		switch strings.TrimSpace(s) {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-usbip":
			mask |= LogTraceUSBIP | LogDebug | LogInfo | LogError
		case "all":
			mask |= LogAll
		}
	}
	return mask
}
