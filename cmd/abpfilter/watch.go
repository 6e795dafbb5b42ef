package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/abpfilter/internal/filter"
	"github.com/bnema/abpfilter/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Read URLs from stdin and print verdicts, reloading on config changes",
	Long: `Reads one request per line from stdin in the form
"URL [referer]" and prints a verdict for each. When the config file changes
the lists are loaded into a fresh store that replaces the current one once
it is complete.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, _, err := buildStore(ctx, 4)
	if err != nil {
		return err
	}
	var current atomic.Pointer[store.Store]
	current.Store(st)

	var reloading sync.Mutex
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		reloading.Lock()
		defer reloading.Unlock()

		logger.Info("config changed, reloading lists", "file", e.Name)
		if err := decodeConfig(&cfg); err != nil {
			logger.Error("reload config failed", "err", err)
			return
		}
		next, _, err := buildStore(context.WithoutCancel(ctx), 4)
		if err != nil {
			logger.Error("reload lists failed", "err", err)
			return
		}
		current.Store(next)
		logger.Info("lists reloaded", "entries", next.Len())
	})
	viper.WatchConfig()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var h http.Header
		if len(fields) > 1 {
			h = http.Header{filter.HeaderReferer: {fields[1]}}
		}
		rq, err := filter.ParseRequest(fields[0], h)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %q: %v\n", fields[0], err)
			continue
		}
		printVerdict(rq, current.Load().Decide(rq))

		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}
