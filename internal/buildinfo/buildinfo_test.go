package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "quill/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix quill/%s", ua, Version)
	}
}

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "build_time", "go_version", "uptime"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
}
