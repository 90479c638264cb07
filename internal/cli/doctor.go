package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/coderoom/internal/hosttools"
	"github.com/buildkite/coderoom/internal/paths"
	"github.com/buildkite/coderoom/internal/runner"
	"github.com/buildkite/coderoom/internal/runtimeconfig"
	"github.com/buildkite/coderoom/internal/tlsbootstrap"
	"github.com/shirou/gopsutil/mem"
	"gopkg.in/yaml.v3"
)

type DoctorCommand struct {
	JSON bool `help:"Print JSON instead of a report"`
}

type LanguagesCommand struct {
	JSON bool `help:"Print JSON instead of a table"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a runtime config populated with defaults"`
}

type ConfigInitCommand struct {
	Force bool `help:"Overwrite an existing config file"`
}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a CA plus server and client certificates"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Output directory (defaults to $XDG_CONFIG_HOME/coderoom/tls)" type:"path"`
	Force bool     `help:"Overwrite existing material"`
	Host  []string `help:"Server certificate host names or IPs (repeatable)"`
}

var lookPath = hosttools.ResolveToolchainBinary

var virtualMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := doctorChecks(ctx.Config, ctx.ConfigPath)
	if d.JSON {
		if err := writeJSONOutput(ctx.Stdout, map[string]any{"checks": checks}); err != nil {
			return err
		}
	} else if _, err := io.WriteString(ctx.Stdout, renderDoctorReport(checks, newTheme(ctx.Stdout, shouldUseANSI(ctx.Stdout)))); err != nil {
		return err
	}
	for _, check := range checks {
		if check.Status == statusFail {
			return exitCodeError{code: 1}
		}
	}
	return nil
}

func doctorChecks(rawCfg runtimeconfig.Config, configPath string) []DoctorCheck {
	cfg := rawCfg.WithDefaults()
	var checks []DoctorCheck

	if _, err := os.Stat(configPath); err == nil {
		checks = append(checks, DoctorCheck{Name: "runtime_config", Status: statusPass, Message: "using " + configPath})
	} else {
		checks = append(checks, DoctorCheck{Name: "runtime_config", Status: statusPass, Message: "no config file, using defaults"})
	}

	switch {
	case cfg.Store.Disabled:
		checks = append(checks, DoctorCheck{Name: "store", Status: statusWarn, Message: "disabled, sessions are memory-only"})
	default:
		storePath := cfg.Store.Path
		if storePath == "" {
			p, err := paths.StoreDBPath()
			if err != nil {
				checks = append(checks, DoctorCheck{Name: "store", Status: statusFail, Message: err.Error()})
				break
			}
			storePath = p
		}
		checks = append(checks, DoctorCheck{Name: "store", Status: statusPass, Message: storePath})
	}

	checks = append(checks, checkWorkDir(firstNonEmpty(cfg.Execution.WorkDir, paths.WorkBaseDir())))

	for _, lang := range runner.NewTable(cfg.Execution.Languages).Languages() {
		checks = append(checks, checkInterpreter(lang))
	}

	if available, err := virtualMemory(); err != nil {
		checks = append(checks, DoctorCheck{Name: "free_memory", Status: statusWarn, Message: "unable to read memory stats: " + err.Error()})
	} else {
		msg := fmt.Sprintf("%d MiB available, admission floor %d MiB", available>>20, cfg.Execution.MinFreeMemoryMiB)
		if cfg.Execution.MemoryLimitMiB > 0 {
			msg += fmt.Sprintf(", %d MiB per execution", cfg.Execution.MemoryLimitMiB)
		}
		status := statusPass
		if available < cfg.Execution.MinFreeMemoryMiB<<20 {
			status = statusFail
		}
		checks = append(checks, DoctorCheck{Name: "free_memory", Status: status, Message: msg})
	}
	return checks
}

func checkWorkDir(dir string) DoctorCheck {
	check := DoctorCheck{Name: "work_dir"}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		check.Status, check.Message = statusFail, err.Error()
		return check
	}
	probe, err := os.CreateTemp(dir, "doctor-")
	if err != nil {
		check.Status, check.Message = statusFail, err.Error()
		return check
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	check.Status, check.Message = statusPass, dir+" is writable"
	return check
}

// checkInterpreter looks up the first program each language needs.
func checkInterpreter(lang runner.Language) DoctorCheck {
	check := DoctorCheck{Name: "language_" + lang.Name}
	argv := lang.Run
	if len(lang.Compile) > 0 {
		argv = lang.Compile
	}
	if len(argv) == 0 {
		check.Status, check.Message = statusFail, "no run command configured"
		return check
	}
	program := argv[0]
	if strings.HasPrefix(program, "./") {
		check.Status, check.Message = statusPass, "runs the compiled "+program
		return check
	}
	path, err := lookPath(program)
	if err != nil {
		check.Status, check.Message = statusWarn, err.Error()
		return check
	}
	check.Status, check.Message = statusPass, path
	return check
}

func (l *LanguagesCommand) Run(ctx *runtimeContext) error {
	languages := runner.NewTable(ctx.Config.Execution.Languages).Languages()
	if l.JSON {
		return writeJSONOutput(ctx.Stdout, languages)
	}
	table := newTable(ctx.Stdout, "Name", "Main file", "Timeout", "Command")
	for _, lang := range languages {
		table.Append([]string{lang.Name, lang.MainFile, lang.Timeout.String(), strings.Join(lang.Command(lang.MainFile), " ")})
	}
	table.Render()
	return nil
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := ctx.ConfigPath
	if path == "" {
		p, err := runtimeconfig.Path()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg := runtimeconfig.Config{}.WithDefaults()
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "wrote %s\n", path)
	return err
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := c.Dir
	if dir == "" {
		d, err := paths.TLSDir()
		if err != nil {
			return err
		}
		dir = d
	}
	if _, err := tlsbootstrap.Init(tlsbootstrap.Options{Dir: dir, Force: c.Force, Hosts: c.Host}); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote ca.pem, server.pem, server.key, client.pem and client.key to %s\n", dir)
	return err
}
