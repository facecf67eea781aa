package snaptrace

import (
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-stack/stack"
)

// Frame is a single call in a captured call stack.
type Frame struct {
	Function string `json:"function"`
	FileLine string `json:"fileline"`
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return f.Function + " " + f.FileLine
}

// unknownMethod is used as the method of synthesized entries when the failing
// function can't be determined.
const unknownMethod = "Unknown"

// panicStack returns the stack of the goroutine that's currently panicking,
// starting with the function that panicked, and the name of that function. It
// must be called from a deferred function.
func panicStack() (method string, frames []Frame) {
	cs := stack.Trace().TrimRuntime()

	// Skip everything up to and including the outermost runtime.gopanic, and
	// any runtime frames directly above it, e.g. runtime.sigpanic for nil
	// dereferences. Deferred functions that panic again with the same value
	// add inner gopanic frames, which are skipped along with them.
	start := -1
	for i, c := range cs {
		if c.Frame().Function == "runtime.gopanic" {
			start = i + 1
		}
	}
	if start < 0 {
		return unknownMethod, convertStack(cs)
	}
	for start < len(cs) && strings.HasPrefix(cs[start].Frame().Function, "runtime.") {
		start++
	}

	frames = convertStack(cs[start:])
	if len(frames) == 0 {
		return unknownMethod, frames
	}
	return frames[0].Function, frames
}

// callerStack returns the stack of the caller, skipping the given number of
// additional frames.
func callerStack(skip int) []Frame {
	cs := stack.Trace().TrimRuntime()
	if skip+1 < len(cs) {
		cs = cs[skip+1:]
	}
	return convertStack(cs)
}

func convertStack(cs stack.CallStack) []Frame {
	frames := make([]Frame, 0, len(cs))
	for _, c := range cs {
		fr := c.Frame()
		frames = append(frames, Frame{
			Function: funcNameOnly(fr.Function),
			FileLine: pkgFilePath(&fr) + ":" + strconv.Itoa(fr.Line),
		})
	}
	return frames
}

func pkgFilePath(frame *runtime.Frame) string {
	pre := pkgPrefix(frame.Function)
	post := pathSuffix(frame.File)
	if pre == "" {
		return post
	}
	return pre + "/" + post
}

func pkgPrefix(funcName string) string {
	const pathSep = "/"
	end := strings.LastIndex(funcName, pathSep)
	if end == -1 {
		return ""
	}
	return funcName[:end]
}

func pathSuffix(path string) string {
	const pathSep = "/"
	lastSep := strings.LastIndex(path, pathSep)
	if lastSep == -1 {
		return path
	}
	return path[strings.LastIndex(path[:lastSep], pathSep)+1:]
}

// funcNameOnly strips the package path from a fully qualified function name,
// e.g. "github.com/a/b.(*T).Method" becomes "(*T).Method".
func funcNameOnly(name string) string {
	const pathSep = "/"
	if i := strings.LastIndex(name, pathSep); i != -1 {
		name = name[i+len(pathSep):]
	}
	const pkgSep = "."
	if i := strings.Index(name, pkgSep); i != -1 {
		name = name[i+len(pkgSep):]
	}
	return name
}

// funcName returns the name of the function value, without its package path.
func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return unknownMethod
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return unknownMethod
	}
	return funcNameOnly(f.Name())
}
