package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tamirms/cidmap"
	"github.com/tamirms/cidmap/resolve"
	"github.com/tamirms/cidmap/store"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup ID...",
	Short: "Show how the indexes redirect each ID",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mapper, err := openMapper()
		if err != nil {
			return err
		}
		defer func() { _ = mapper.Close() }()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPREFERRED\tPARENT\tCANONICAL\tSTATUS")
		for _, arg := range args {
			n, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", arg, err)
			}
			id := cidmap.ID(n)
			preferred, err := mapper.LookupCached(cidmap.KindPreferred, id)
			if err != nil {
				return err
			}
			parent, err := mapper.LookupCached(cidmap.KindParent, id)
			if err != nil {
				return err
			}
			canonical, err := mapper.CanonicalID(id)
			if err != nil {
				return err
			}
			status := resolve.StatusOf(id, preferred, parent)
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", id, preferred, parent, canonical, status)
		}
		return w.Flush()
	},
}

var survivorCmd = &cobra.Command{
	Use:   "survivor KEY...",
	Short: "Show the stored survivor for each structural key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(store.Config{Path: cfg.StorePath})
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSURVIVOR\tPAYLOAD")
		for _, arg := range args {
			key, err := cidmap.ParseStructuralKey(arg)
			if err != nil {
				return err
			}
			rec, ok, err := st.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(w, "%s\t-\t-\n", key)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%d bytes\n", key, rec.SurvivorID, len(rec.Payload))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(survivorCmd)
}
