// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package relay

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// checkMlockLimit returns the RLIMIT_MEMLOCK soft limit in KB, or -1 when
// it is unlimited or cannot be read.
func checkMlockLimit() int64 {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return -1
	}
	return int64(rlimit.Cur / 1024)
}
