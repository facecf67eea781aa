package snaptrace_test

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/peterbourgon/snaptrace"
)

func TestWriterOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	output := snaptrace.WriterOutput(&buf)
	output("a\nb")
	output("")
	output("c")

	assertEqual(t, buf.String(), "a\nb\nc\n")
}

func TestLogOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	output := snaptrace.LogOutput(log.New(&buf, "dump: ", 0))
	output("a\nb\n\nc")

	assertEqual(t, buf.String(), "dump: a\ndump: b\ndump: c\n")
}

func TestFileOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	output := snaptrace.FileOutput(dir, nil)
	output("first")
	output("second")

	names, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, len(names), 2)

	re := regexp.MustCompile(`^snaptrace-[0-9A-Z]{26}-[12]\.ndjson$`)
	for _, name := range names {
		if !re.MatchString(filepath.Base(name)) {
			t.Errorf("bad file name %q", filepath.Base(name))
		}
	}

	for seq, want := range map[string]string{"1": "first\n", "2": "second\n"} {
		matches, _ := filepath.Glob(filepath.Join(dir, "*-"+seq+".ndjson"))
		assertEqual(t, len(matches), 1)
		data, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatal(err)
		}
		assertEqual(t, string(data), want)
	}
}

func TestFileOutputBadDir(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	output := snaptrace.FileOutput(filepath.Join(t.TempDir(), "does", "not", "exist"), log.New(&buf, "", 0))
	output("x") // must not panic

	if buf.Len() == 0 {
		t.Fatal("want logged error, have none")
	}
}

func TestMultiOutput(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	output := snaptrace.MultiOutput(
		snaptrace.WriterOutput(&a),
		func(string) { panic("bad output") },
		snaptrace.WriterOutput(&b),
	)
	output("dump")

	assertEqual(t, a.String(), "dump\n")
	assertEqual(t, b.String(), "dump\n")
}
