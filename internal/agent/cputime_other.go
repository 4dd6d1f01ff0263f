//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package agent

import "time"

func processCPUTime() (time.Duration, bool) {
	return 0, false
}
