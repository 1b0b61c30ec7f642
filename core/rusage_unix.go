//go:build unix

package core

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func maxRSSBytes() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// ru_maxrss is bytes on darwin and kilobytes elsewhere.
	if runtime.GOOS == "darwin" || runtime.GOOS == "ios" {
		return int64(ru.Maxrss)
	}
	return int64(ru.Maxrss) * 1024
}
