// snaptrace is a CLI tool for interacting with snaptrace HTTP servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("snaptrace")
	rootConfig.registerBaseFlags(rootFlags)

	remoteFlags := ff.NewFlagSet("remote").SetParent(rootFlags)
	rootConfig.registerRemoteFlags(remoteFlags)

	rootCommand := &ff.Command{
		Name:      "snaptrace",
		ShortHelp: "access flight recorder data from snaptrace server instances",
		Flags:     rootFlags,
	}

	// Config for `snaptrace dump`.
	dumpConfig := &dumpConfig{rootConfig: rootConfig}
	dumpFlags := ff.NewFlagSet("dump").SetParent(remoteFlags)
	dumpConfig.register(dumpFlags)
	dumpCommand := &ff.Command{
		Name:      "dump",
		ShortHelp: "fetch the current entries from each instance",
		LongHelp:  "Fetch a dump of the most recent entries recorded by each instance.",
		Flags:     dumpFlags,
		Exec:      dumpConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, dumpCommand)

	// Config for `snaptrace stream`.
	streamConfig := &streamConfig{rootConfig: rootConfig}
	streamFlags := ff.NewFlagSet("stream").SetParent(remoteFlags)
	streamConfig.register(streamFlags)
	streamCommand := &ff.Command{
		Name:      "stream",
		ShortHelp: "continuously stream entries to the terminal",
		LongHelp:  "Stream entries from each instance as they're recorded.",
		Flags:     streamFlags,
		Exec:      streamConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, streamCommand)

	// Config for `snaptrace demo`.
	demoConfig := &demoConfig{rootConfig: rootConfig}
	demoFlags := ff.NewFlagSet("demo").SetParent(rootFlags)
	demoConfig.register(demoFlags)
	demoCommand := &ff.Command{
		Name:      "demo",
		ShortHelp: "run an instrumented workload behind a snaptrace server",
		LongHelp:  "Run a small instrumented workload, serving its flight recorder over HTTP, optionally crashing to demonstrate the crash dump.",
		Flags:     demoFlags,
		Exec:      demoConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, demoCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand.GetSelected()))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args,
		ff.WithEnvVarPrefix("SNAPTRACE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return err
	}

	// Validation and set-up.
	{
		var infodst, debugdst, tracedst io.Writer
		switch rootConfig.logLevel {
		case "n", "none":
			infodst, debugdst, tracedst = io.Discard, io.Discard, io.Discard
		case "i", "info":
			infodst, debugdst, tracedst = stderr, io.Discard, io.Discard
		case "d", "debug":
			infodst, debugdst, tracedst = stderr, stderr, io.Discard
		case "t", "trace":
			infodst, debugdst, tracedst = stderr, stderr, stderr
		default:
			return fmt.Errorf("invalid log level %q", rootConfig.logLevel)
		}
		rootConfig.info = log.New(infodst, "", 0)
		rootConfig.debug = log.New(debugdst, "[DEBUG] ", log.Lmsgprefix)
		rootConfig.trace = log.New(tracedst, "[TRACE] ", log.Lmsgprefix)
	}

	if selected := rootCommand.GetSelected(); selected == dumpCommand || selected == streamCommand {
		if err := rootConfig.normalizeURIs(); err != nil {
			return err
		}
	}

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}

func (cfg *rootConfig) normalizeURIs() error {
	if len(cfg.uris) <= 0 {
		return fmt.Errorf("at least one URI is required")
	}

	for i, uri := range cfg.uris {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}

		if !strings.HasPrefix(uri, "http") {
			uri = "http://" + uri
		}

		u, err := url.ParseRequestURI(uri)
		if err != nil {
			return fmt.Errorf("%s: invalid: %w", uri, err)
		}

		if cfg.uriPath != "" {
			u.Path = cfg.uriPath
		}

		uri = u.String()
		cfg.uris[i] = uri

		cfg.debug.Printf("URI: %s", uri)
	}

	return nil
}
