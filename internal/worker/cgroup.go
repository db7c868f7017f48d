package worker

import (
	"os"
	"strconv"
	"strings"
)

// DetectCgroupMemoryLimit reads the container memory limit from cgroup v2
// (falling back to v1), returning 0 if neither file is present or the
// limit is "max" (unbounded). Callers use this to pick a MemoryLimitBytes
// default when a deployment doesn't set one explicitly.
func DetectCgroupMemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}
