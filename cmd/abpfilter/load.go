package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bnema/abpfilter/internal/fetcher"
	"github.com/bnema/abpfilter/internal/models"
	"github.com/bnema/abpfilter/internal/store"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Fetch and index the enabled filter lists and report counts",
	RunE:  runLoad,
}

// listOutcome is the result of loading one list
type listOutcome struct {
	list   models.FilterList
	result store.LoadResult
	err    error
}

// loadLists streams every list into st. Lists are fetched in parallel; each
// one is ingested line by line, so the store lock is only taken per rule.
func loadLists(ctx context.Context, st *store.Store, f *fetcher.Fetcher, lists []models.FilterList, concurrency int) []listOutcome {
	if concurrency < 1 {
		concurrency = 1
	}
	p := pool.NewWithResults[listOutcome]().WithMaxGoroutines(concurrency).WithContext(ctx)

	for _, list := range lists {
		p.Go(func(ctx context.Context) (listOutcome, error) {
			out := listOutcome{list: list}
			rc, err := f.Open(ctx, list.URL)
			if err != nil {
				out.err = err
				logger.Error("open list failed", "list", list.Name, "err", err)
				return out, nil
			}
			defer rc.Close()

			out.result, out.err = st.ParseAndStoreFromStream(ctx, rc, list.Category)
			return out, nil
		})
	}

	// Tasks never return errors; failures are carried per list.
	outcomes, _ := p.Wait()
	slices.SortFunc(outcomes, func(a, b listOutcome) int { return int(a.list.Category) - int(b.list.Category) })
	return outcomes
}

// buildStore creates a store from the current config and loads every
// enabled list into it.
func buildStore(ctx context.Context, concurrency int) (*store.Store, []listOutcome, error) {
	enabledLists := cfg.EnabledLists()
	if len(enabledLists) == 0 {
		return nil, nil, fmt.Errorf("no enabled filter lists found in config")
	}

	st := store.New(cfg.Store, logger)
	f := fetcher.New(cfg.HTTP, cfg.Cache, afero.NewOsFs())
	outcomes := loadLists(ctx, st, f, enabledLists, concurrency)

	if cfg.Store.Freeze {
		if _, err := st.Freeze(); err != nil {
			return nil, nil, fmt.Errorf("freeze store: %w", err)
		}
	}
	return st, outcomes, nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	outputDir, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")
	verbose, _ := cmd.Flags().GetBool("verbose")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	fmt.Printf("Loading %d filter lists...\n", len(cfg.EnabledLists()))

	st, outcomes, err := buildStore(cmd.Context(), concurrency)
	if err != nil {
		return err
	}
	stats := st.Stats()

	manifest := models.Manifest{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Lists:       make(map[string]models.ListResult),
	}

	totalSkips := make(map[string]int)
	for _, o := range outcomes {
		fmt.Printf("\n  %s (category %d)\n", o.list.Name, o.list.Category)
		res := models.ListResult{
			Name:     o.list.Name,
			URL:      o.list.URL,
			Category: o.list.Category,
			Loaded:   o.result.Succeeded,
			Rejected: o.result.Failed,
		}
		if o.err != nil {
			fmt.Printf("    ERROR: %v\n", o.err)
			res.Error = o.err.Error()
		}
		fmt.Printf("    Loaded: %d rules (rejected: %d)\n", o.result.Succeeded, o.result.Failed)

		cs := stats[o.list.Category]
		res.SkipReasons = cs.SkipReasons
		for reason, count := range cs.SkipReasons {
			if verbose {
				fmt.Printf("      - %s: %d\n", reason, count)
			}
			totalSkips[reason] += count
		}
		manifest.Lists[o.list.Name] = res
	}

	if len(totalSkips) > 0 {
		fmt.Printf("\nRejected rules summary:\n")
		for reason, count := range totalSkips {
			fmt.Printf("  %s: %d\n", reason, count)
		}
	}

	manifest.Index = st.Info()
	fmt.Printf("\nIndex: %d entries, %d domain keys, bloom %d bits / %d hashes (est. false positive rate %.4f)\n",
		manifest.Index.Filters, manifest.Index.DomainKeys,
		manifest.Index.BloomBits, manifest.Index.BloomHashes, manifest.Index.EstimatedFPR)

	if outputDir != "" {
		if err := writeManifest(outputDir, format, manifest); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}
	}

	fmt.Println("\nDone!")
	return nil
}

func writeManifest(dir, format string, m models.Manifest) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	ext := format
	if ext == "" {
		ext = "json"
	}
	path := filepath.Join(dir, "manifest."+ext)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return encodeManifest(f, ext, m)
}

func encodeManifest(w io.Writer, format string, m models.Manifest) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(m)
	default:
		return fmt.Errorf("unknown manifest format %q", format)
	}
}
