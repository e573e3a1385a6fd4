// Package version holds build information injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

// String returns the one-line form printed by `sinap version`.
func String() string {
	return fmt.Sprintf("sinap %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

// FormatStartupMessage описывает запуск процесса: первый запуск или
// перезапуск с номером поколения.
func FormatStartupMessage(name string, restored bool, generation int) string {
	if restored {
		return fmt.Sprintf("%s перезапущен (поколение %d)\nВерсия: %s\nСборка: %s", name, generation, Version, BuildTime)
	}
	return fmt.Sprintf("%s запущен\nВерсия: %s\nСборка: %s", name, Version, BuildTime)
}
