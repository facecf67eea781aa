package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/snaptrace"
	"github.com/peterbourgon/snaptrace/internal/snaputil"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configFile string
	logLevel   string

	uris    []string
	uriPath string
	output  string

	info, debug, trace *log.Logger
}

func (cfg *rootConfig) registerBaseFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "trace", "t", "none", "n"),
		Usage:       "log level: i/info, d/debug, t/trace, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "config",
		Value:       ffval.NewValue(&cfg.configFile),
		Usage:       "config file with one flag per line, e.g. 'uri localhost:8080'",
		Placeholder: "FILE",
		NoDefault:   true,
	})
}

func (cfg *rootConfig) registerRemoteFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'u',
		LongName:    "uri",
		Value:       ffval.NewUniqueList(&cfg.uris),
		Usage:       "server instance URI e.g. 'localhost:8080/snaptrace' (repeatable)",
		Placeholder: "URI",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "uri-path",
		Value:       ffval.NewValue(&cfg.uriPath),
		Usage:       "if set, override every server instance URI path with this one",
		Placeholder: "PATH",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "ndjson", "prettyjson"),
		Usage:       "output format: ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

// encoder returns a function that writes a single envelope to stdout in the
// configured output format. Raw text, if available, is written as-is for
// ndjson output.
func (cfg *rootConfig) encoder() func(env snaptrace.Envelope, raw string) {
	switch cfg.output {
	case "prettyjson":
		enc := json.NewEncoder(cfg.stdout)
		enc.SetIndent("", "    ")
		enc.SetEscapeHTML(false)
		return func(env snaptrace.Envelope, _ string) { enc.Encode(env) }
	default:
		enc := json.NewEncoder(cfg.stdout)
		enc.SetEscapeHTML(false)
		return func(env snaptrace.Envelope, raw string) {
			if raw = strings.TrimSpace(raw); raw != "" {
				fmt.Fprintln(cfg.stdout, raw)
				return
			}
			enc.Encode(env)
		}
	}
}

func statsSummary(stats snaptrace.Stats) string {
	return fmt.Sprintf(
		"session %s, up %s, %d/%d entries, %s records, %s dropped, %s dumps, %s hooks, %s%% degraded",
		stats.SessionID,
		snaputil.HumanizeDuration(time.Since(stats.Started)),
		stats.Count,
		stats.Capacity,
		snaputil.HumanizeFloat(float64(stats.Records)),
		snaputil.HumanizeFloat(float64(stats.Dropped)),
		snaputil.HumanizeFloat(float64(stats.Dumps)),
		snaputil.HumanizeFloat(float64(stats.Hooks)),
		snaputil.HumanizeFloat(stats.DegradedPercent),
	)
}
