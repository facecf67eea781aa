package snaptrace

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/snaptrace/internal/snapdebug"
)

// Output receives the text of a dump: one serialized entry per line, oldest
// first, without a trailing newline. Outputs are called synchronously by
// Dump, often while the program is crashing, so they should do as little as
// possible. A panicking output is recovered.
type Output func(dump string)

// DiscardOutput drops every dump.
func DiscardOutput(string) {}

// WriterOutput writes each dump to w, followed by a newline. Writes are
// serialized, so w doesn't need to be safe for concurrent use.
func WriterOutput(w io.Writer) Output {
	var mtx sync.Mutex
	return func(dump string) {
		if dump == "" {
			return
		}
		mtx.Lock()
		defer mtx.Unlock()
		io.WriteString(w, dump+"\n")
	}
}

// StderrOutput writes each dump to os.Stderr.
func StderrOutput() Output {
	return WriterOutput(os.Stderr)
}

// LogOutput writes each line of each dump to the logger, as a separate log
// event.
func LogOutput(logger *log.Logger) Output {
	return func(dump string) {
		for _, line := range strings.Split(dump, "\n") {
			if line != "" {
				logger.Print(line)
			}
		}
	}
}

// FileOutput writes each dump to a new file in dir, named
// snaptrace-<id>-<seq>.ndjson, where id is unique to the output and seq counts
// dumps from 1. Errors are reported to the optional logger.
func FileOutput(dir string, logger *log.Logger) Output {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	var (
		id  = ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
		seq atomic.Uint64
	)

	return func(dump string) {
		name := filepath.Join(dir, fmt.Sprintf("snaptrace-%s-%d.ndjson", id, seq.Add(1)))
		if err := writeFile(name, dump+"\n"); err != nil {
			logger.Printf("snaptrace: file output: %v", err)
		}
	}
}

func writeFile(name, data string) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return fmt.Errorf("write dump file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync dump file: %w", err)
	}
	return f.Close()
}

// MultiOutput sends each dump to every output in order. A panic in one output
// doesn't prevent the others from being called.
func MultiOutput(outputs ...Output) Output {
	return func(dump string) {
		for _, output := range outputs {
			func() {
				defer func() {
					if x := recover(); x != nil {
						snapdebug.Observer.SinkPanics.Add(1)
					}
				}()
				output(dump)
			}()
		}
	}
}
