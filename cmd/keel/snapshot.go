package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/cuemby/keel/pkg/manager"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect the stored job trees",
	Long: `Inspect the job trees committed to a node's data directory.

The database is opened read-only, so these commands can run next to a
live node only if it is stopped; bolt holds an exclusive file lock.`,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		snapshots, err := store.ListSnapshots()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tVERSION\tCHILDREN\tATTRIBUTES")
		for _, s := range snapshots {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.ID, s.Entity.Kind, s.Version, len(s.Children), len(s.Attributes))
		}
		return w.Flush()
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show ROOT_ID",
	Short: "Print a stored root as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		snapshot, err := store.LoadSnapshot(args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}

var snapshotBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy the database to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if out == "" {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			out = filepath.Join(dataDir, "keel.db.backup")
		}
		f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to create backup file: %w", err)
		}
		n, err := store.Backup(f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(out)
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup written to %s (%d bytes)\n", out, n)
		return nil
	},
}

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	path := filepath.Join(dataDir, "keel.db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found at %s: %w", path, err)
	}
	return storage.OpenBoltStore(path, manager.NewCodec(), &bolt.Options{
		ReadOnly: true,
		Timeout:  time.Second,
	})
}

func init() {
	snapshotCmd.PersistentFlags().String("data-dir", "./keel-data", "Data directory of the node")
	snapshotBackupCmd.Flags().StringP("output", "o", "", "Backup file (default: <data-dir>/keel.db.backup)")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotBackupCmd)
}
