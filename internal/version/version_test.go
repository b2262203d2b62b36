package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "1.2.3", "abc1234"
	got := String()
	if !strings.Contains(got, "1.2.3") || !strings.Contains(got, "abc1234") {
		t.Fatalf("String() = %q", got)
	}
}
