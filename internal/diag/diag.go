// Package diag logs host platform details once at session startup. A
// burn session isn't interactive, so this is a one-shot log line rather
// than a polling display.
package diag

import (
	"github.com/shirou/gopsutil/v3/host"

	"kburn/pkg/kburn"
)

// LogHostInfo writes one line describing the host OS/platform/arch to
// log, for inclusion at the top of any burn-session log. Failures to
// read host info are logged, not returned, since this is purely
// diagnostic.
func LogHostInfo(log kburn.Logger) {
	info, err := host.Info()
	if err != nil {
		log.Log(kburn.LevelDebug, "host diagnostics unavailable: %v", err)
		return
	}

	log.Log(kburn.LevelInfo, "host %s %s (%s), kernel %s",
		info.Platform, info.PlatformVersion, info.KernelArch, info.KernelVersion)
}
