package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/examcache"
	"github.com/ferro-labs/examcache/internal/cachekey"
	"github.com/ferro-labs/examcache/internal/store"
)

func newCacheCmd(load func() (examcache.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the durable cache",
	}

	open := func() (*examcache.Cache, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		return examcache.Open(cfg)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Mode:         %s\n", st.Mode)
			if st.Durable == nil {
				fmt.Fprintln(out, "Durable:      none")
				return nil
			}
			d := st.Durable
			fmt.Fprintf(out, "Backend:      %s\nEntries:      %d\nHits:         %d\nTokens saved: %d\n",
				d.Backend, d.Count, d.TotalHits, d.TotalSaved)
			kinds := make([]string, 0, len(d.ByKind))
			for k := range d.ByKind {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintf(out, "  %-12s %d\n", k, d.ByKind[cachekey.Kind(k)])
			}
			return nil
		},
	}

	var kind string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List durable entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := cachekey.Kind(kind)
			if k != "" && !k.Valid() {
				return fmt.Errorf("invalid kind %q: must be translation or explanation", kind)
			}
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			entries, err := c.List(cmd.Context(), k)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tPROVIDER\tHITS\tTOKENS SAVED\tLAST USED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", e.Key, e.Provider, e.HitCount, e.TokensSaved, e.LastUsedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringVar(&kind, "kind", "", "only list entries of this kind (translation or explanation)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the disposable cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			switch err := c.Clear(cmd.Context()); {
			case errors.Is(err, store.ErrClearUnsupported):
				return errors.New("refusing to clear the shared store; it is owned by the application database")
			case err != nil:
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
			return nil
		},
	}

	cmd.AddCommand(statsCmd, listCmd, clearCmd)
	return cmd
}
