package logging

import (
	"fmt"
	"path/filepath"
	"time"
)

// LogFilePath builds a log file path using OS-appropriate path separators.
func LogFilePath(logsDir, role string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("lockstep.%s.%s.log", role, sessionStart.Format("20060102_150405")),
	)
}
