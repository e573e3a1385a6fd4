package version

import (
	"strings"
	"testing"
)

func TestSetInfo(t *testing.T) {
	originalVersion := Version
	originalBuildTime := BuildTime
	originalGitCommit := GitCommit
	originalGoVersion := GoVersion

	defer func() {
		Version = originalVersion
		BuildTime = originalBuildTime
		GitCommit = originalGitCommit
		GoVersion = originalGoVersion
	}()

	SetInfo("1.0.0", "2026-01-01T00:00:00Z", "abc123", "go1.24")

	if Version != "1.0.0" {
		t.Errorf("Version = %s, want 1.0.0", Version)
	}
	if BuildTime != "2026-01-01T00:00:00Z" {
		t.Errorf("BuildTime = %s, want 2026-01-01T00:00:00Z", BuildTime)
	}
	if GitCommit != "abc123" {
		t.Errorf("GitCommit = %s, want abc123", GitCommit)
	}
	if GoVersion != "go1.24" {
		t.Errorf("GoVersion = %s, want go1.24", GoVersion)
	}
}

func TestSetInfoEmptyValues(t *testing.T) {
	originalVersion := Version

	defer func() { Version = originalVersion }()

	Version = "test-version"
	SetInfo("", "", "", "")

	if Version != "test-version" {
		t.Errorf("Version should not change with empty value, got %s", Version)
	}
}

func TestString(t *testing.T) {
	originalVersion := Version
	originalGitCommit := GitCommit

	defer func() {
		Version = originalVersion
		GitCommit = originalGitCommit
	}()

	Version = "2.0.0"
	GitCommit = "deadbeef"

	s := String()
	if !strings.HasPrefix(s, "sinap 2.0.0") {
		t.Errorf("String() = %q, want prefix %q", s, "sinap 2.0.0")
	}
	if !strings.Contains(s, "deadbeef") {
		t.Errorf("String() should contain commit, got: %s", s)
	}
}

func TestFormatStartupMessage(t *testing.T) {
	originalVersion := Version
	originalBuildTime := BuildTime

	defer func() {
		Version = originalVersion
		BuildTime = originalBuildTime
	}()

	Version = "1.2.3"
	BuildTime = "2026-06-15T10:30:00Z"

	msg := FormatStartupMessage("sinap", false, 0)
	if !strings.Contains(msg, "1.2.3") {
		t.Errorf("Message should contain version, got: %s", msg)
	}
	if !strings.Contains(msg, "2026-06-15T10:30:00Z") {
		t.Errorf("Message should contain build time, got: %s", msg)
	}
	if !strings.Contains(msg, "запущен") {
		t.Errorf("Fresh start message expected, got: %s", msg)
	}

	msg = FormatStartupMessage("sinap", true, 4)
	if !strings.Contains(msg, "перезапущен") || !strings.Contains(msg, "4") {
		t.Errorf("Restart message should contain generation, got: %s", msg)
	}
}
