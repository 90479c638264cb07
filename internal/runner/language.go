package runner

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/buildkite/coderoom/internal/runtimeconfig"
	"github.com/samber/lo"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Language describes how to build and run one source language. Compile and
// Run may reference {main} (the main file name) and {class} (the main file
// name without its extension).
type Language struct {
	Name      string
	Extension string
	MainFile  string
	Compile   []string
	Run       []string
	Timeout   time.Duration
}

const (
	interpretedTimeout = 10 * time.Second
	compiledTimeout    = 15 * time.Second
)

func builtinLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			Name:      "python",
			Extension: ".py",
			MainFile:  "main.py",
			Run:       []string{"python3", "-u", "{main}"},
			Timeout:   interpretedTimeout,
		},
		"javascript": {
			Name:      "javascript",
			Extension: ".js",
			MainFile:  "main.js",
			Run:       []string{"node", "{main}"},
			Timeout:   interpretedTimeout,
		},
		"java": {
			Name:      "java",
			Extension: ".java",
			MainFile:  "Main.java",
			Compile:   []string{"javac", "{main}"},
			Run:       []string{"java", "-cp", ".", "{class}"},
			Timeout:   compiledTimeout,
		},
		"cpp": {
			Name:      "cpp",
			Extension: ".cpp",
			MainFile:  "main.cpp",
			Compile:   []string{"g++", "-O2", "-std=c++17", "-o", "main", "{main}"},
			Run:       []string{"./main"},
			Timeout:   compiledTimeout,
		},
		"go": {
			Name:      "go",
			Extension: ".go",
			MainFile:  "main.go",
			Run:       []string{"go", "run", "{main}"},
			Timeout:   compiledTimeout,
		},
	}
}

var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"c++":     "cpp",
	"golang":  "go",
}

// Table is the set of languages an execution may request.
type Table struct {
	languages map[string]Language
}

// NewTable returns the built-in languages merged with configured overrides.
// An override replaces a built-in of the same name or adds a new language.
func NewTable(overrides map[string]runtimeconfig.LanguageConfig) *Table {
	languages := builtinLanguages()
	for rawName, override := range overrides {
		name := strings.TrimSpace(strings.ToLower(rawName))
		if name == "" {
			continue
		}
		lang := languages[name]
		lang.Name = name
		if override.Extension != "" {
			lang.Extension = override.Extension
		}
		if override.MainFile != "" {
			lang.MainFile = override.MainFile
		}
		if len(override.Compile) > 0 {
			lang.Compile = append([]string(nil), override.Compile...)
		}
		if len(override.Run) > 0 {
			lang.Run = append([]string(nil), override.Run...)
		}
		if override.Timeout > 0 {
			lang.Timeout = override.Timeout
		}
		if lang.MainFile == "" {
			lang.MainFile = "main" + lang.Extension
		}
		if lang.Timeout == 0 {
			lang.Timeout = interpretedTimeout
		}
		languages[name] = lang
	}
	return &Table{languages: languages}
}

func canonicalName(raw string) string {
	name := strings.TrimSpace(strings.ToLower(raw))
	if alias, ok := languageAliases[name]; ok {
		return alias
	}
	return name
}

// Lookup resolves a language name or alias.
func (t *Table) Lookup(raw string) (Language, error) {
	name := canonicalName(raw)
	lang, ok := t.languages[name]
	if !ok {
		return Language{}, fmt.Errorf("%w %q", ErrUnsupportedLanguage, raw)
	}
	return lang, nil
}

// Normalize maps raw to a supported language name, falling back to fallback
// when raw is not recognised.
func (t *Table) Normalize(raw, fallback string) string {
	if lang, err := t.Lookup(raw); err == nil {
		return lang.Name
	}
	return canonicalName(fallback)
}

func (t *Table) Names() []string {
	names := lo.Keys(t.languages)
	sort.Strings(names)
	return names
}

// Languages returns every language sorted by name.
func (t *Table) Languages() []Language {
	return lo.Map(t.Names(), func(name string, _ int) Language {
		return t.languages[name]
	})
}

// Command expands the language's compile and run templates for mainFile.
// Compiled languages run through sh so a failed compile skips the run.
func (l Language) Command(mainFile string) []string {
	class := strings.TrimSuffix(filepath.Base(mainFile), filepath.Ext(mainFile))
	expand := func(args []string) []string {
		return lo.Map(args, func(arg string, _ int) string {
			arg = strings.ReplaceAll(arg, "{main}", mainFile)
			return strings.ReplaceAll(arg, "{class}", class)
		})
	}

	run := expand(l.Run)
	if len(l.Compile) == 0 {
		return run
	}
	script := shellJoin(expand(l.Compile)) + " && exec " + shellJoin(run)
	return []string{"sh", "-c", script}
}

func shellJoin(args []string) string {
	quoted := lo.Map(args, func(arg string, _ int) string {
		return shellQuote(arg)
	})
	return strings.Join(quoted, " ")
}

func shellQuote(arg string) string {
	if arg != "" && strings.IndexFunc(arg, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '+' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
