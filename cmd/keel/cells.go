package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cuemby/keel/pkg/federation"
	"github.com/spf13/cobra"
)

var cellsCmd = &cobra.Command{
	Use:   "cells",
	Short: "Inspect federated cells",
}

var cellsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the gRPC health of every configured cell",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Cells) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No cells configured")
			return nil
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		pool := federation.NewConnPool()
		defer pool.Close()

		responses, checkErr := federation.CheckHealth(context.Background(), cfg.Cells, pool.Dial, "", timeout)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CELL\tADDRESS\tSTATUS")
		for _, r := range responses {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Cell.Name, r.Cell.Address, r.Result)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return checkErr
	},
}

func init() {
	cellsStatusCmd.Flags().StringP("config", "c", "", "Path to the YAML configuration file")
	cellsStatusCmd.Flags().Duration("timeout", 5*time.Second, "Per-cell health check timeout")

	cellsCmd.AddCommand(cellsStatusCmd)
}
