package main

import (
	"fmt"

	"github.com/joelkehle/case-intake/internal/receipt"
	"github.com/spf13/cobra"
)

func receiptCmd(flags *globalFlags) *cobra.Command {
	var intakeID, outPath string
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Rebuild the receipt of a journaled intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			if intakeID == "" || outPath == "" {
				return fmt.Errorf("--intake and --out are required")
			}
			a, ctx, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			store, err := a.requireLedger()
			if err != nil {
				return err
			}
			e, err := store.Get(ctx, intakeID)
			if err != nil {
				return err
			}
			s, err := receipt.FromEntry(e)
			if err != nil {
				return err
			}
			if err := receipt.WriteFile(ctx, outPath, s, receipt.NewChromiumPDFRenderer()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Receipt written to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&intakeID, "intake", "", "intake id from the ledger")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (.md, .html or .pdf)")
	return cmd
}
