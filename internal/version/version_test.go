package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, BuildDate
	defer func() { Version, Commit, BuildDate = origVersion, origCommit, origDate }()

	Version, Commit, BuildDate = "1.2.3", "abc1234", "2026-08-30"
	got := String()
	for _, fragment := range []string{"oracle-index 1.2.3", "abc1234", "2026-08-30"} {
		if !strings.Contains(got, fragment) {
			t.Fatalf("String() = %q, missing %q", got, fragment)
		}
	}
}
