package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/snaptrace"
	"github.com/peterbourgon/snaptrace/internal/snaputil"
	"github.com/peterbourgon/snaptrace/snaphttp"
)

type demoConfig struct {
	*rootConfig

	capacity   int
	timestamps bool
	listenAddr string
	dumpDir    string
	interval   time.Duration
	crashAfter time.Duration
}

func (cfg *demoConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName: "capacity",
		Value:    ffval.NewValueDefault(&cfg.capacity, 100),
		Usage:    "number of recent entries retained",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "timestamps",
		Value:     ffval.NewValue(&cfg.timestamps),
		Usage:     "include timestamps in serialized entries",
		NoDefault: true,
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "listen",
		Value:    ffval.NewValueDefault(&cfg.listenAddr, "localhost:8080"),
		Usage:    "HTTP listen address, serving /snaptrace",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "dump-dir",
		Value:       ffval.NewValue(&cfg.dumpDir),
		Usage:       "if set, also write every dump to a new file in this directory",
		Placeholder: "DIR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "interval",
		Value:    ffval.NewValueDefault(&cfg.interval, 250*time.Millisecond),
		Usage:    "delay between workload operations",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "crash-after",
		Value:     ffval.NewValue(&cfg.crashAfter),
		Usage:     "if set, corrupt the workload and crash after this long",
		NoDefault: true,
	})
}

func (cfg *demoConfig) Exec(ctx context.Context, args []string) error {
	output := snaptrace.WriterOutput(cfg.stderr)
	if cfg.dumpDir != "" {
		output = snaptrace.MultiOutput(output, snaptrace.FileOutput(cfg.dumpDir, cfg.info))
	}

	config := snaptrace.Config{
		Capacity:        cfg.capacity,
		RecordTimestamp: cfg.timestamps,
		Output:          output,
		Logger:          cfg.info,
	}
	if f, ok := cfg.stderr.(*os.File); ok {
		config.CrashOutput = f
	}

	if err := snaptrace.Initialize(config); err != nil {
		return err
	}

	obs := snaptrace.Default()

	{
		cfg.info.Printf("session: %s", obs.SessionID())
		cfg.debug.Printf("capacity: %d", cfg.capacity)
		cfg.debug.Printf("timestamps: %v", cfg.timestamps)
		cfg.debug.Printf("interval: %s", cfg.interval)
		if cfg.crashAfter > 0 {
			cfg.info.Printf("crashing after %s", cfg.crashAfter)
		}
	}

	var g run.Group

	{
		ln, err := net.Listen("tcp", cfg.listenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}

		server := snaphttp.NewServer(obs)
		server.Logger = cfg.trace

		mux := http.NewServeMux()
		mux.Handle("/snaptrace", server)

		httpServer := &http.Server{Handler: mux}

		cfg.info.Printf("listening on http://%s/snaptrace", ln.Addr())

		g.Add(func() error {
			return httpServer.Serve(ln)
		}, func(error) {
			httpServer.Close()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.runWorkload(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cfg.debug.Printf("%s", statsSummary(obs.Stats()))
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	err := g.Run()
	cfg.info.Printf("final dump")
	snaptrace.Dump()
	return err
}

// runWorkload exercises an inventory until the context is canceled. If a crash
// is configured, the inventory is corrupted after that long, and the next
// operation panics. The panic is recorded and dumped, and then crashes the
// process.
func (cfg *demoConfig) runWorkload(ctx context.Context) error {
	defer snaptrace.RecoverAndDump()

	var (
		inv     = newInventory("warehouse")
		items   = []string{"apple", "banana", "cherry", "durian"}
		started = time.Now()
		ops     uint64
	)

	defer func() {
		cfg.debug.Printf("workload: %d ops in %s", ops, snaputil.HumanizeDuration(time.Since(started)))
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.interval):
		}

		if cfg.crashAfter > 0 && time.Since(started) > cfg.crashAfter {
			cfg.info.Printf("corrupting inventory")
			inv.corrupt()
		}

		item := items[rand.IntN(len(items))]
		switch n := rand.IntN(5) + 1; rand.IntN(4) {
		case 0, 1:
			inv.put(item, n)
		case 2:
			if _, err := inv.take(item, n); err != nil {
				cfg.trace.Printf("take: %v", err)
			}
		case 3:
			inv.login("operator", "hunter2")
			snaptrace.Go(inv.audit)
		}
		ops++
	}
}

//
//
//

type inventory struct {
	mtx   sync.Mutex
	Name  string
	Items map[string]int
}

func newInventory(name string) *inventory {
	return &inventory{
		Name:  name,
		Items: map[string]int{},
	}
}

func (inv *inventory) snapshot() map[string]int {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	return snaptrace.DeepCopy(inv.Items)
}

func (inv *inventory) put(item string, n int) {
	call := snaptrace.Default().Call("inventory.put", map[string]any{"item": item, "n": n}, inv.snapshot())
	defer call.Finish(nil, nil)

	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	inv.Items[item] += n
}

var errInsufficient = errors.New("insufficient stock")

func (inv *inventory) take(item string, n int) (remaining int, err error) {
	call := snaptrace.Default().Call("inventory.take", map[string]any{"item": item, "n": n}, inv.snapshot())
	defer call.Finish(&err, &remaining)

	inv.mtx.Lock()
	defer inv.mtx.Unlock()

	have := inv.Items[item]
	if have < n {
		return have, fmt.Errorf("take %d %s: have %d: %w", n, item, have, errInsufficient)
	}

	inv.Items[item] = have - n
	return have - n, nil
}

// login records the password as redacted.
func (inv *inventory) login(user, _ string) {
	call := snaptrace.Default().Call("inventory.login", map[string]any{"user": user, "password": snaptrace.Redacted}, nil)
	defer call.Finish(nil, nil)
}

// audit fails whenever any item is out of stock.
func (inv *inventory) audit() error {
	for item, n := range inv.snapshot() {
		if n <= 0 {
			return fmt.Errorf("audit %s: %s out of stock", inv.Name, item)
		}
	}
	return nil
}

func (inv *inventory) corrupt() {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	inv.Items = nil
}
