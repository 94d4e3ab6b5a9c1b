package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/joelkehle/case-intake/internal/ledger"
	"github.com/spf13/cobra"
)

func ledgerCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the intake journal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "orphans",
		Short: "List failed or abandoned intakes that left a patient or encounter behind",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			store, err := a.requireLedger()
			if err != nil {
				return err
			}
			orphans, err := store.Orphans(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(orphans) == 0 {
				fmt.Fprintln(out, "No orphaned records.")
				return nil
			}
			for _, e := range orphans {
				writeEntryLine(out, e)
			}
			return nil
		},
	})

	recentCmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent intakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			a, ctx, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			store, err := a.requireLedger()
			if err != nil {
				return err
			}
			entries, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				writeEntryLine(cmd.OutOrStdout(), e)
			}
			return nil
		},
	}
	recentCmd.Flags().Int("limit", 20, "number of intakes to show")
	cmd.AddCommand(recentCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <intake-id>",
		Short: "Print one intake as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			store, err := a.requireLedger()
			if err != nil {
				return err
			}
			e, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(e)
		},
	})
	return cmd
}

func writeEntryLine(w io.Writer, e ledger.Entry) {
	line := fmt.Sprintf("%s  %s  attempt=%d  %-9s  mrn=%s  patient=%d  encounter=%d  case=%d",
		e.StartedAt.Local().Format(time.DateTime), e.IntakeID, e.Attempt, e.Status,
		e.MRN, e.PatientID, e.EncounterID, e.ResearchCaseID)
	if e.FailedStage != "" {
		line += fmt.Sprintf("  failed_at=%s kind=%s", e.FailedStage, e.ErrorKind)
	}
	if e.Stale {
		line += "  stale"
	}
	if o := e.Orphan(); o != "" {
		line += "  orphan=" + o
	}
	fmt.Fprintln(w, line)
}
