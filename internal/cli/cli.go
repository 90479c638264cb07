package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/buildkite/coderoom/internal/runtimeconfig"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	Stdin      *os.File
	Stdout     *os.File
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print the version and exit"`
	Config  string           `help:"Path to the runtime config file (defaults to $XDG_CONFIG_HOME/coderoom/config.yaml)" type:"path"`

	Serve      ServeCommand      `cmd:"" help:"Run the collaboration and execution server"`
	Run        RunCommand        `cmd:"" help:"Run a source file on a coderoom server and stream its output"`
	Sessions   SessionsCommand   `cmd:"" help:"Inspect live sessions"`
	Executions ExecutionsCommand `cmd:"" help:"Inspect and stop executions"`
	Languages  LanguagesCommand  `cmd:"" help:"List configured languages"`
	Doctor     DoctorCommand     `cmd:"" help:"Run environment diagnostics"`
	ConfigCmd  ConfigCommand     `cmd:"" name:"config" help:"Runtime config commands"`
	TLS        TLSCommand        `cmd:"" name:"tls" help:"TLS material commands"`
}

// clientFlags are shared by commands that talk to a running server.
type clientFlags struct {
	Host  string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)" env:"CODEROOM_HOST"`
	TLSCA string `name:"tls-ca" help:"CA bundle used to verify an https server" type:"path"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

func newParser(c *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("coderoom"),
		kong.Description("Real-time collaborative editing and code execution server"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

func Run(args []string, version string) error {
	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	return ctx.Run(&runtimeContext{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
	})
}

func loadConfig(explicit string) (runtimeconfig.Config, string, error) {
	if strings.TrimSpace(explicit) == "" {
		return runtimeconfig.Load()
	}
	cfg, err := runtimeconfig.LoadFile(explicit)
	return cfg, explicit, err
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	return logger.With("component", component), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
