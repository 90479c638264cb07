package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/controlclient"
	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/buildkite/coderoom/internal/runner"
	"github.com/buildkite/coderoom/internal/tlsconfig"
)

type RunCommand struct {
	clientFlags

	Language string `short:"l" help:"Language to run (defaults to the file extension)"`
	Session  string `help:"Session to stream output into"`
	Input    string `help:"Initial stdin for the program (default: piped stdin)"`

	File string `arg:"" help:"Source file to run" type:"existingfile"`
}

func newClient(flags clientFlags) (*controlclient.Client, error) {
	ep, err := endpoint.Resolve(flags.Host)
	if err != nil {
		return nil, err
	}
	return controlclient.New(ep, controlclient.WithTLS(tlsconfig.Options{CAPath: flags.TLSCA}))
}

func (r *RunCommand) Run(ctx *runtimeContext) error {
	source, err := os.ReadFile(r.File)
	if err != nil {
		return err
	}
	language := r.Language
	if language == "" {
		language = languageForFile(runner.NewTable(ctx.Config.Execution.Languages), r.File)
	}
	client, err := newClient(r.clientFlags)
	if err != nil {
		return err
	}

	interactive := isTerminal(ctx.Stdin)
	input := r.Input
	if input == "" && ctx.Stdin != nil && !interactive {
		piped, err := io.ReadAll(ctx.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = strings.TrimSuffix(string(piped), "\n")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		once        sync.Once
		executionID = make(chan string, 1)
	)
	onFrame := func(frame controlapi.StreamFrame) error {
		once.Do(func() { executionID <- frame.ExecutionID })
		switch frame.Type {
		case "stdout":
			_, err := io.WriteString(ctx.Stdout, frame.Data)
			return err
		case "stderr":
			_, err := io.WriteString(ctx.Stderr, frame.Data)
			return err
		case "error":
			_, err := fmt.Fprintf(ctx.Stderr, "error: %s\n", frame.Data)
			return err
		}
		return nil
	}

	signals := newSignalChannel()
	notifySignals(signals, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signals)
	go func() {
		id := ""
		select {
		case id = <-executionID:
			executionID <- id
		case <-runCtx.Done():
			return
		}
		for {
			select {
			case <-runCtx.Done():
				return
			case <-signals:
				// A stopped program still sends its end frame.
				_ = client.Stop(runCtx, controlapi.StopRequest{ExecutionID: id})
			}
		}
	}()
	if interactive {
		go forwardInput(runCtx, client, ctx.Stdin, executionID)
	}

	end, err := client.Execute(runCtx, controlapi.ExecuteRequest{
		Code:      string(source),
		Language:  language,
		SessionID: r.Session,
		Input:     input,
	}, onFrame)
	if err != nil {
		return err
	}
	if end.ExitCode != nil && *end.ExitCode != 0 {
		return exitCodeError{code: *end.ExitCode}
	}
	return nil
}

// forwardInput sends each terminal line to the execution once its id is
// known.
func forwardInput(ctx context.Context, client *controlclient.Client, stdin io.Reader, executionID chan string) {
	var id string
	select {
	case id = <-executionID:
		executionID <- id
	case <-ctx.Done():
		return
	}
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		err := client.SendInput(ctx, controlapi.InputRequest{ExecutionID: id, Input: scanner.Text()})
		if err != nil {
			if controlclient.IsCode(err, "process_not_accepting_input") || errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintf(os.Stderr, "input not delivered: %v\n", err)
		}
	}
}

// languageForFile picks the language whose extension matches path, or
// returns the extension itself so the server can fall back to its default.
func languageForFile(table *runner.Table, path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	for _, lang := range table.Languages() {
		if lang.Extension == ext {
			return lang.Name
		}
	}
	return strings.TrimPrefix(ext, ".")
}
