package snaptrace

var defaultObserver = NewObserver()

// Default returns the process-wide observer, used by the package-level
// functions.
func Default() *Observer {
	return defaultObserver
}

// Initialize the default observer. See [Observer.Initialize].
func Initialize(c Config) error {
	return defaultObserver.Initialize(c)
}

// Record an entry in the default observer. See [Observer.Record].
func Record(e Entry) {
	defaultObserver.Record(e)
}

// Dump the default observer. See [Observer.Dump].
func Dump() {
	defaultObserver.Dump()
}

// Go runs fn in a goroutine monitored by the default observer. See
// [Observer.Go].
func Go(fn func() error) {
	defaultObserver.Go(fn)
}

// RecoverAndDump is [Observer.RecoverAndDump] for the default observer. Like
// that method, it must be deferred directly.
func RecoverAndDump() {
	if x := recover(); x != nil {
		defaultObserver.crash(x)
		panic(x)
	}
}
