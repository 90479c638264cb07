package execution

import (
	"regexp"
	"strings"
)

var (
	stackFramePattern = regexp.MustCompile(`(?m)^[ \t]*(?:at [^\n]*|File "[^\n]*|goroutine \d+[^\n]*|\S+\.go:\d+[^\n]*)\n?`)
	hostPathPattern   = regexp.MustCompile(`(?:/[^\s/:'"]+)+/([^\s/:'"]+)`)
)

// SanitizeError renders err for clients: stack frames are dropped and host
// paths are reduced to their final element.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return sanitizeMessage(err.Error())
}

func sanitizeMessage(msg string) string {
	msg = stackFramePattern.ReplaceAllString(msg, "")
	msg = hostPathPattern.ReplaceAllString(msg, "$1")
	return strings.TrimSpace(msg)
}
