// Package paths resolves where coderoom keeps its files on the host.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appDir = "coderoom"

// Kind selects one of the XDG base directories.
type Kind struct {
	env  string
	home []string
}

var (
	Config = Kind{env: "XDG_CONFIG_HOME", home: []string{".config"}}
	Data   = Kind{env: "XDG_DATA_HOME", home: []string{".local", "share"}}
	State  = Kind{env: "XDG_STATE_HOME", home: []string{".local", "state"}}
)

// Dir resolves coderoom's directory of the given kind, followed by elem.
// $XDG_*_HOME wins, then the home directory default, then $XDG_RUNTIME_DIR
// when no home directory is available.
func (k Kind) Dir(elem ...string) (string, error) {
	var base string
	if xdg := strings.TrimSpace(os.Getenv(k.env)); xdg != "" {
		base = filepath.Join(xdg, appDir)
	} else if home, err := os.UserHomeDir(); err == nil && home != "" {
		base = filepath.Join(append(append([]string{home}, k.home...), appDir)...)
	} else if runtimeDir := runtimeDir(); runtimeDir != "" {
		base = filepath.Join(runtimeDir, appDir)
	} else {
		if err == nil {
			err = errors.New("empty home directory")
		}
		return "", fmt.Errorf("resolve %s: %w", k.env, err)
	}
	return filepath.Join(append([]string{base}, elem...)...), nil
}

func runtimeDir() string {
	return strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
}

// ConfigFile is the default runtime config file.
func ConfigFile() (string, error) {
	return Config.Dir("config.yaml")
}

// TLSDir holds the CA and certificates written by tls init.
func TLSDir() (string, error) {
	return Config.Dir("tls")
}

// StoreDBPath is the default sqlite database for sessions and chat history.
func StoreDBPath() (string, error) {
	return Data.Dir("coderoom.db")
}

// TSNetStateDir holds the tailnet node identity.
func TSNetStateDir() (string, error) {
	return State.Dir("tsnet")
}

// WorkBaseDir is the scratch directory for per-execution source trees. It
// prefers $XDG_RUNTIME_DIR, which is usually a tmpfs.
func WorkBaseDir() string {
	if dir := runtimeDir(); dir != "" {
		return filepath.Join(dir, appDir, "work")
	}
	return filepath.Join(os.TempDir(), appDir, "work")
}
