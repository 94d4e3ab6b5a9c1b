package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/joelkehle/case-intake/internal/intakeshell"
	"github.com/joelkehle/case-intake/internal/receipt"
	"github.com/spf13/cobra"
)

func addCmd(flags *globalFlags) *cobra.Command {
	var (
		assumeYes   bool
		receiptPath string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Read a note from stdin and create the case",
		Long: "Reads free-form surgical dictation from stdin until EOF, asks for confirmation,\n" +
			"then creates or reuses the patient and adds an encounter and research case.\n" +
			"When the note has no MRN you are asked for one and the intake runs once more.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if receiptPath != "" {
				if _, err := receipt.FormatFor(receiptPath); err != nil {
					return err
				}
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			prompts, closePrompts := promptSource()
			defer closePrompts()

			opts := intakeshell.Options{AssumeYes: assumeYes, Debug: a.cfg.Debug}
			if receiptPath != "" {
				opts.OnSuccess = func(ctx context.Context, res caseintake.Result) error {
					s := receipt.FromResult(res, time.Now())
					if err := receipt.WriteFile(ctx, receiptPath, s, receipt.NewChromiumPDFRenderer()); err != nil {
						return fmt.Errorf("write receipt: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Receipt written to %s\n", receiptPath)
					return nil
				}
			}

			session := intakeshell.NewSession(cmd.InOrStdin(), prompts, cmd.OutOrStdout(), orch, opts)
			outcome := session.Run(ctx)
			if code := outcome.ExitCode(); code != 0 {
				return exitCodeError(code)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&receiptPath, "receipt", "", "write a receipt (.md, .html or .pdf) after success")
	return cmd
}

// promptSource answers prompts from the controlling terminal so a note can be
// piped in on stdin. Without a terminal, stdin is used.
func promptSource() (io.Reader, func()) {
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return os.Stdin, func() {}
	}
	return tty, func() { _ = tty.Close() }
}
