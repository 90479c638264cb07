package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// theme renders each part of coderoom's terminal output. Every field is the
// identity function when color is off.
type theme struct {
	title   func(...string) string
	section func(...string) string
	key     func(...string) string
	muted   func(...string) string
	status  map[checkStatus]func(...string) string
}

func plain(strs ...string) string {
	return strings.Join(strs, " ")
}

func newTheme(w io.Writer, color bool) theme {
	if !color {
		return theme{
			title:   plain,
			section: plain,
			key:     plain,
			muted:   plain,
			status: map[checkStatus]func(...string) string{
				statusPass: plain,
				statusWarn: plain,
				statusFail: plain,
			},
		}
	}
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.ANSI256)
	return theme{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("45")).Render,
		section: r.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("62")).Render,
		key:     r.NewStyle().Foreground(lipgloss.Color("75")).Render,
		muted:   r.NewStyle().Foreground(lipgloss.Color("246")).Render,
		status: map[checkStatus]func(...string) string{
			statusPass: r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")).Render,
			statusWarn: r.NewStyle().Bold(true).Foreground(lipgloss.Color("214")).Render,
			statusFail: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render,
		},
	}
}

// banner is the block serve prints before it starts accepting connections.
type banner struct {
	Title string
	Rows  []bannerRow
}

type bannerRow struct {
	Label string
	Value string
}

func renderBanner(b banner, th theme) string {
	title := strings.TrimSpace(b.Title)
	if title == "" {
		title = "coderoom"
	}
	rows := make([]bannerRow, 0, len(b.Rows))
	width := 0
	for _, row := range b.Rows {
		row.Label, row.Value = strings.TrimSpace(row.Label), strings.TrimSpace(row.Value)
		if row.Label == "" || row.Value == "" {
			continue
		}
		width = max(width, len(row.Label))
		rows = append(rows, row)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "\n⌨ %s\n", th.title(title))
	for _, row := range rows {
		fmt.Fprintf(&out, "   %s  %s\n", th.key(fmt.Sprintf("%-*s", width, row.Label)), row.Value)
	}
	out.WriteByte('\n')
	return out.String()
}

func writeBanner(w io.Writer, b banner, color bool) {
	_, _ = io.WriteString(w, renderBanner(b, newTheme(w, color)))
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

type checkStatus string

const (
	statusPass checkStatus = "pass"
	statusWarn checkStatus = "warn"
	statusFail checkStatus = "fail"
)

var statusIcons = map[checkStatus]string{
	statusPass: "✓",
	statusWarn: "!",
	statusFail: "✗",
}

// DoctorCheck is one line of the doctor report. Checks named language_<name>
// are listed under toolchains.
type DoctorCheck struct {
	Name    string      `json:"name"`
	Status  checkStatus `json:"status"`
	Message string      `json:"message"`
}

const languageCheckPrefix = "language_"

func renderDoctorReport(checks []DoctorCheck, th theme) string {
	var host, toolchains []DoctorCheck
	counts := map[checkStatus]int{}
	for _, check := range checks {
		counts[check.Status]++
		if strings.HasPrefix(check.Name, languageCheckPrefix) {
			toolchains = append(toolchains, check)
		} else {
			host = append(host, check)
		}
	}

	var out strings.Builder
	out.WriteString(th.title("coderoom doctor"))
	out.WriteByte('\n')
	writeCheckSection(&out, th, "host", host, "")
	writeCheckSection(&out, th, "toolchains", toolchains, languageCheckPrefix)

	available := 0
	for _, check := range toolchains {
		if check.Status == statusPass {
			available++
		}
	}
	summary := fmt.Sprintf("%d pass, %d warn, %d fail; %d of %d toolchains available",
		counts[statusPass], counts[statusWarn], counts[statusFail], available, len(toolchains))
	out.WriteByte('\n')
	out.WriteString(th.muted(summary))
	out.WriteByte('\n')
	return out.String()
}

func writeCheckSection(out *strings.Builder, th theme, name string, checks []DoctorCheck, trim string) {
	if len(checks) == 0 {
		return
	}
	width := 0
	for _, check := range checks {
		width = max(width, len(strings.TrimPrefix(check.Name, trim)))
	}
	fmt.Fprintf(out, "\n%s\n", th.section(name))
	for _, check := range checks {
		render, ok := th.status[check.Status]
		icon := statusIcons[check.Status]
		if !ok {
			render, icon = plain, "?"
		}
		label := fmt.Sprintf("%-*s", width, strings.TrimPrefix(check.Name, trim))
		fmt.Fprintf(out, "  %s %s  %s\n", render(icon), label, check.Message)
	}
}

func shouldUseANSI(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	if force := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")); force != "" {
		n, err := strconv.Atoi(force)
		return err != nil || n != 0
	}
	return isTerminal(f)
}

func styleLogger(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}
	styles := log.DefaultStyles()
	styles.Key = styles.Key.Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("252"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("42"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("196"))
	logger.SetStyles(styles)
}

// endpointDisplay renders ep the way users type it in --listen or --host.
func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := firstNonEmpty(ep.TSNetHostname, "coderoom")
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	default:
		return firstNonEmpty(ep.Address, ep.BaseURL)
	}
}

func effectiveLogLevel(rawLevel string) string {
	return firstNonEmpty(strings.ToLower(rawLevel), "info")
}
