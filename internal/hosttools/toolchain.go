package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

var installHints = map[string]string{
	"python3": "install Python 3",
	"node":    "install Node.js",
	"javac":   "install a JDK",
	"java":    "install a JDK",
	"g++":     "install a C++ compiler (build-essential or Xcode command line tools)",
	"go":      "install Go from https://go.dev/dl",
}

// ResolveToolchainBinary resolves a language toolchain binary by checking:
// 1. PATH
// 2. $GOROOT/bin and $JAVA_HOME/bin
// 3. Well-known install prefixes for the host OS.
func ResolveToolchainBinary(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, toolchainPrefixes()))
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", fmt.Errorf("binary name is required")
	}

	if path, err := lookPath(trimmed); err == nil {
		return path, nil
	}

	for _, candidate := range candidates {
		info, err := stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}

	msg := fmt.Sprintf("%s not found on PATH", trimmed)
	if len(candidates) > 0 {
		msg = fmt.Sprintf("%s not found on PATH or in known toolchain locations", trimmed)
	}
	if hint := installHints[filepath.Base(trimmed)]; hint != "" {
		msg += "; " + hint
	}
	return "", errors.New(msg)
}

// candidateBinaryPaths expands prefixes into <prefix>/bin/<binary>. Binaries
// given as paths have no candidates.
func candidateBinaryPaths(binary string, prefixes []string) []string {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" || strings.ContainsRune(trimmed, filepath.Separator) {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		p := strings.TrimSpace(prefix)
		if p == "" {
			continue
		}
		candidate := filepath.Join(p, "bin", trimmed)
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}
	return out
}

func toolchainPrefixes() []string {
	prefixes := []string{os.Getenv("GOROOT"), os.Getenv("JAVA_HOME"), "/usr/local/go"}
	switch runtime.GOOS {
	case "darwin":
		prefixes = append(prefixes, "/opt/homebrew", "/usr/local", "/opt/homebrew/opt/openjdk")
	case "linux":
		prefixes = append(prefixes, "/usr/local", "/usr/lib/jvm/default-java", "/snap")
	}
	return prefixes
}
