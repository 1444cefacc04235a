package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if want := runtime.GOOS + "/" + runtime.GOARCH; info.Platform != want {
		t.Errorf("Platform = %q, want %q", info.Platform, want)
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.2.0", GitCommit: "abc1234", BuildDate: "2026-01-02", GoVersion: "go1.24.11", Platform: "linux/arm64"}
	got := info.String()
	for _, part := range []string{"framerelay 1.2.0", "commit abc1234", "built 2026-01-02", "linux/arm64"} {
		if !strings.Contains(got, part) {
			t.Errorf("String() = %q, missing %q", got, part)
		}
	}
}
