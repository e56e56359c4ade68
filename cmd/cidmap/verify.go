package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tamirms/cidmap"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the checksum and ordering of every index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed []error
		for _, kind := range cidmap.Kinds {
			path := filepath.Join(cfg.IndexDir, kind.FileName())
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !kind.Required() {
				continue
			}
			if err := verifyIndex(cmd, path); err != nil {
				failed = append(failed, err)
			}
		}
		return errors.Join(failed...)
	},
}

func verifyIndex(cmd *cobra.Command, path string) error {
	idx, err := cidmap.OpenIndex(path)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	if err := idx.Verify(); err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	st := idx.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %s records, %s, duplicates %s\n",
		path, humanize.Comma(int64(st.Records)), humanize.IBytes(uint64(st.IndexSize)), st.DuplicatePolicy)
	return nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
