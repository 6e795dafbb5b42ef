package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/bnema/abpfilter/internal/filter"
	"github.com/bnema/abpfilter/internal/store"
)

var checkCmd = &cobra.Command{
	Use:   "check URL",
	Short: "Load the lists and print the verdict for one request",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	referer, _ := cmd.Flags().GetString("referer")
	contentType, _ := cmd.Flags().GetString("content-type")
	xhr, _ := cmd.Flags().GetBool("xhr")
	disable, _ := cmd.Flags().GetIntSlice("disable")
	verbose, _ := cmd.Flags().GetBool("verbose")

	h := make(http.Header)
	if referer != "" {
		h.Set(filter.HeaderReferer, referer)
	}
	if contentType != "" {
		h.Set(filter.HeaderContentType, contentType)
	}
	if xhr {
		h.Set(filter.HeaderRequestedWith, "XMLHttpRequest")
	}

	rq, err := filter.ParseRequest(args[0], h)
	if err != nil {
		return fmt.Errorf("bad url: %w", err)
	}

	st, _, err := buildStore(cmd.Context(), 4)
	if err != nil {
		return err
	}
	for _, c := range disable {
		st.SetCategoryEnabled(int16(c), false)
	}

	if verbose {
		candidates := st.FiltersForDomain(rq.Host())
		fmt.Printf("Host %s: %d candidates (scoped rules possible: %v)\n",
			rq.Host(), len(candidates), st.MayHaveScopedRules(rq.Host()))
		for _, f := range candidates {
			if f.IsMatch(rq) {
				fmt.Printf("  match %-9s %s\n", kindLabel(f), ruleText(f))
			}
		}
	}

	printVerdict(rq, st.Decide(rq))
	return nil
}

func kindLabel(f *filter.URLFilter) string {
	if f.IsException() {
		return "exception"
	}
	return "block"
}

func ruleText(f *filter.URLFilter) string {
	if raw := f.Raw(); raw != "" {
		return raw
	}
	return fmt.Sprintf("(frozen, category %d)", f.Category())
}

func printVerdict(rq *filter.Request, v store.Verdict) {
	if v.Filter == nil {
		fmt.Printf("%s\t%s\n", v.Action, rq.URI())
		return
	}
	fmt.Printf("%s\t%s\t%s\n", v.Action, rq.URI(), ruleText(v.Filter))
}
