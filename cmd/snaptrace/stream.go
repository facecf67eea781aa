package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/snaptrace"
	"github.com/peterbourgon/snaptrace/snaphttp"
)

type streamConfig struct {
	*rootConfig

	sendBuf       int
	recvBuf       int
	statsInterval time.Duration
	retryInterval time.Duration

	entries chan snaphttp.StreamEntry
}

func (cfg *streamConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName: "send-buffer",
		Value:    ffval.NewValueDefault(&cfg.sendBuf, 100),
		Usage:    "remote send buffer size",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "recv-buffer",
		Value:    ffval.NewValueDefault(&cfg.recvBuf, 100),
		Usage:    "local receive buffer size",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "stats-interval",
		Value:    ffval.NewValueDefault(&cfg.statsInterval, 10*time.Second),
		Usage:    "stats reporting interval",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "retry-interval",
		Value:    ffval.NewValueDefault(&cfg.retryInterval, 1*time.Second),
		Usage:    "connection retry interval",
	})
}

func (cfg *streamConfig) Exec(ctx context.Context, args []string) error {
	cfg.entries = make(chan snaphttp.StreamEntry, cfg.recvBuf)

	{
		cfg.debug.Printf("send buffer: %d", cfg.sendBuf)
		cfg.debug.Printf("recv buffer: %d", cfg.recvBuf)
		cfg.debug.Printf("stats interval: %s", cfg.statsInterval)
		cfg.debug.Printf("retry interval: %s", cfg.retryInterval)
	}

	cfg.debug.Printf("starting streams")

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.runStreams(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.writeEntries(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *streamConfig) runStreams(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, uri := range cfg.uris {
		wg.Add(1)
		go func(uri string) {
			defer wg.Done()
			cfg.runStream(ctx, uri)
		}(uri)
	}

	cfg.debug.Printf("started streams")
	<-ctx.Done()
	cfg.debug.Printf("stopping streams...")
	cancel()
	wg.Wait()
	cfg.debug.Printf("streams finished")
	return nil
}

func (cfg *streamConfig) runStream(ctx context.Context, uri string) {
	var (
		lastDataTime atomic.Value
		initCount    int
	)

	// This function is called on every received event.
	onRead := func(ctx context.Context, eventType string, eventData []byte) {
		lastDataTime.Store(time.Now())

		switch eventType {
		case "init":
			if initCount == 0 {
				cfg.debug.Printf("%s: stream connected", uri)
			} else {
				cfg.debug.Printf("%s: stream reconnected", uri)
			}
			initCount++

		case "stats":
			var stats snaptrace.Stats
			if err := json.Unmarshal(eventData, &stats); err != nil {
				cfg.debug.Printf("%s: stats error: %v", uri, err)
			} else {
				cfg.debug.Printf("%s: %s", uri, statsSummary(stats))
			}
		}
	}

	// This goroutine reports if it's been too long without any data.
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)

		ticker := time.NewTicker(cfg.statsInterval)
		defer ticker.Stop()

		for {
			select {
			case ts := <-ticker.C:
				last, ok := lastDataTime.Load().(time.Time)
				delta := ts.Sub(last)
				switch {
				case !ok:
					cfg.debug.Printf("%s: no data", uri)
				case delta > 2*cfg.statsInterval:
					cfg.debug.Printf("%s: last data %s ago", uri, delta.Truncate(100*time.Millisecond))
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		<-reporterDone
	}()

	cfg.debug.Printf("%s: starting", uri)
	defer cfg.debug.Printf("%s: stopped", uri)

	sc := &snaphttp.StreamClient{
		HTTPClient:    http.DefaultClient,
		URI:           uri,
		SendBuffer:    cfg.sendBuf,
		OnRead:        onRead,
		RetryInterval: cfg.retryInterval,
		StatsInterval: cfg.statsInterval,
	}

	for ctx.Err() == nil {
		subctx, cancel := context.WithCancel(ctx)
		errc := make(chan error, 1)
		go func() { errc <- sc.Stream(subctx, cfg.entries) }() // returns only on terminal errors

		select {
		case <-subctx.Done():
			cfg.debug.Printf("%s: stream done", uri)
			cancel()
			<-errc
			return

		case err := <-errc:
			cfg.debug.Printf("%s: stream error, will retry (%v)", uri, err)
			cancel()                             // contextSleep needs ctx, not subctx
			contextSleep(ctx, cfg.retryInterval) // can be interrupted by parent context
			continue
		}
	}
}

func (cfg *streamConfig) writeEntries(ctx context.Context) error {
	encode := cfg.encoder()

	var count uint64
	for {
		select {
		case e := <-cfg.entries:
			count++
			cfg.trace.Printf("entry %s", e.ID)
			encode(e.Envelope, string(e.Raw))
		case <-ctx.Done():
			cfg.debug.Printf("emitted entry count %d", count)
			return ctx.Err()
		}
	}
}
