package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/snaptrace/internal/snaputil"
	"github.com/peterbourgon/snaptrace/snaphttp"
)

type dumpConfig struct {
	*rootConfig

	newest bool
	limit  int
}

func (cfg *dumpConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:  "newest",
		Value:     ffval.NewValue(&cfg.newest),
		Usage:     "order entries from newest to oldest",
		NoDefault: true,
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'n',
		LongName:    "limit",
		Value:       ffval.NewValue(&cfg.limit),
		Usage:       "only the most recent entries from each instance (0 means all)",
		Placeholder: "N",
		NoDefault:   true,
	})
}

func (cfg *dumpConfig) Exec(ctx context.Context, args []string) error {
	cfg.debug.Printf("newest: %v", cfg.newest)
	cfg.debug.Printf("limit: %d", cfg.limit)

	type result struct {
		uri string
		res *snaphttp.DumpResponse
		err error
	}

	var (
		req     = snaphttp.DumpRequest{Newest: cfg.newest, Limit: cfg.limit}
		results = make([]result, len(cfg.uris))
		wg      sync.WaitGroup
	)
	for i, uri := range cfg.uris {
		wg.Add(1)
		go func(i int, uri string) {
			defer wg.Done()
			res, err := snaphttp.NewClient(http.DefaultClient, uri).Dump(ctx, req)
			results[i] = result{uri: uri, res: res, err: err}
		}(i, uri)
	}
	wg.Wait()

	var (
		encode = cfg.encoder()
		failed []string
	)
	for _, r := range results {
		if r.err != nil {
			cfg.info.Printf("%s: error: %v", r.uri, r.err)
			failed = append(failed, r.uri)
			continue
		}

		cfg.debug.Printf("%s: session %s, %d entries, %s", r.uri, r.res.SessionID, len(r.res.Envelopes), snaputil.HumanizeBytes(len(r.res.Text)))

		lines := strings.Split(r.res.Text, "\n")
		for i, env := range r.res.Envelopes {
			var raw string
			if len(lines) == len(r.res.Envelopes) {
				raw = lines[i]
			}
			encode(env, raw)
		}
	}

	if len(failed) == len(results) {
		return fmt.Errorf("all dumps failed")
	}

	return nil
}
