package cli

import (
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/buildkite/coderoom/internal/runtimeconfig"
)

func TestRenderBannerAlignsLabels(t *testing.T) {
	out := renderBanner(banner{
		Title: "coderoom serve",
		Rows: []bannerRow{
			{Label: "listen", Value: "127.0.0.1:7070"},
			{Label: "languages", Value: "go, python"},
		},
	}, newTheme(io.Discard, false))

	want := "\n⌨ coderoom serve\n   listen     127.0.0.1:7070\n   languages  go, python\n\n"
	if out != want {
		t.Fatalf("unexpected banner:\n--- got ---\n%s--- want ---\n%s", out, want)
	}
}

func TestRenderBannerColor(t *testing.T) {
	out := renderBanner(banner{
		Title: "coderoom serve",
		Rows:  []bannerRow{{Label: "listen", Value: "127.0.0.1:7070"}},
	}, newTheme(io.Discard, true))

	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
	if got, want := stripANSI(out), "\n⌨ coderoom serve\n   listen  127.0.0.1:7070\n\n"; got != want {
		t.Fatalf("unexpected banner text: got %q want %q", got, want)
	}
}

func TestRenderBannerSkipsEmptyRows(t *testing.T) {
	out := renderBanner(banner{
		Rows: []bannerRow{
			{Label: "listen", Value: "127.0.0.1:7070"},
			{Label: "store", Value: ""},
			{Label: "", Value: "ignored"},
		},
	}, newTheme(io.Discard, false))

	if !strings.Contains(out, "⌨ coderoom\n") {
		t.Fatalf("expected default title: %q", out)
	}
	if strings.Contains(out, "store") || strings.Contains(out, "ignored") {
		t.Fatalf("expected incomplete rows to be omitted: %q", out)
	}
}

func TestRenderDoctorReportGroupsToolchains(t *testing.T) {
	out := renderDoctorReport([]DoctorCheck{
		{Name: "store", Status: statusPass, Message: "/tmp/coderoom.db"},
		{Name: "language_python", Status: statusPass, Message: "/usr/bin/python3"},
		{Name: "language_java", Status: statusWarn, Message: "javac not found"},
		{Name: "free_memory", Status: statusFail, Message: "12 MiB available, admission floor 64 MiB"},
	}, newTheme(io.Discard, false))

	for _, want := range []string{
		"coderoom doctor\n",
		"\nhost\n  ✓ store        /tmp/coderoom.db\n  ✗ free_memory  12 MiB available, admission floor 64 MiB\n",
		"\ntoolchains\n  ✓ python  /usr/bin/python3\n  ! java    javac not found\n",
		"2 pass, 1 warn, 1 fail; 1 of 2 toolchains available\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in report:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output should not contain ANSI escapes: %q", out)
	}
}

func TestRenderDoctorReportColor(t *testing.T) {
	out := renderDoctorReport([]DoctorCheck{
		{Name: "work_dir", Status: statusFail, Message: "permission denied"},
		{Name: "mystery", Status: "bogus", Message: "?"},
	}, newTheme(io.Discard, true))
	plain := stripANSI(out)

	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
	if !strings.Contains(plain, "✗ work_dir  permission denied") {
		t.Fatalf("missing fail line: %q", plain)
	}
	if !strings.Contains(plain, "? mystery   ?") {
		t.Fatalf("missing unknown status line: %q", plain)
	}
	if strings.Contains(plain, "toolchains\n") {
		t.Fatalf("expected no toolchain section without language checks: %q", plain)
	}
	if !strings.Contains(plain, "0 pass, 0 warn, 1 fail; 0 of 0 toolchains available") {
		t.Fatalf("missing summary line: %q", plain)
	}
}

func TestEndpointDisplay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ep   endpoint.Endpoint
		want string
	}{
		{name: "unix", ep: endpoint.Endpoint{Scheme: "unix", Address: "/tmp/coderoom.sock"}, want: "unix:///tmp/coderoom.sock"},
		{name: "http", ep: endpoint.Endpoint{Scheme: "http", Address: "http://127.0.0.1:7070"}, want: "http://127.0.0.1:7070"},
		{name: "https base url", ep: endpoint.Endpoint{Scheme: "https", BaseURL: "https://room.example"}, want: "https://room.example"},
		{name: "tsnet default host", ep: endpoint.Endpoint{Scheme: "tsnet", TSNetPort: 7777}, want: "tsnet://coderoom:7777"},
		{name: "tsnet no port", ep: endpoint.Endpoint{Scheme: "tsnet", TSNetHostname: "pair"}, want: "tsnet://pair"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := endpointDisplay(tc.ep); got != tc.want {
				t.Fatalf("unexpected display: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestShouldUseANSIHonoursEnvironment(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "1")
	if !shouldUseANSI(nil) {
		t.Fatal("expected CLICOLOR_FORCE to enable color")
	}
	t.Setenv("NO_COLOR", "")
	if shouldUseANSI(nil) {
		t.Fatal("expected NO_COLOR to win over CLICOLOR_FORCE")
	}
}

func TestExecutionCapacity(t *testing.T) {
	cfg := runtimeconfig.ExecutionConfig{MaxConcurrent: 4, MinFreeMemoryMiB: 64}
	if got, want := executionCapacity(cfg), "4 concurrent, admitted above 64 MiB free"; got != want {
		t.Fatalf("unexpected capacity: got %q want %q", got, want)
	}
	cfg.MemoryLimitMiB = 256
	if got := executionCapacity(cfg); !strings.HasSuffix(got, ", 256 MiB each") {
		t.Fatalf("expected per-execution limit in %q", got)
	}
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
