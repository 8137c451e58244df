package runner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pixyz/scheduler/pkg/log"
)

// watchInterval paces the RSS samples
const watchInterval = time.Second

// watchRSS samples the child's resident set from /proc and invokes kill when
// it exceeds limitMB. Returns silently when the process or /proc entry is
// gone or done closes.
func watchRSS(done <-chan struct{}, pid, limitMB int, kill func()) {
	statusPath := fmt.Sprintf("/proc/%d/status", pid)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		data, err := os.ReadFile(statusPath)
		if err != nil {
			return
		}
		rssMB, ok := parseVmRSS(string(data))
		if !ok {
			continue
		}
		if rssMB > limitMB {
			log.Logger.Warn().Int("pid", pid).Int("rss_mb", rssMB).
				Int("limit_mb", limitMB).Msg("killing child over memory limit")
			kill()
			return
		}
	}
}

// parseVmRSS extracts the VmRSS line of a /proc status file in megabytes
func parseVmRSS(status string) (int, bool) {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}
