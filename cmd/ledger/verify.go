package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/internal/bundle"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/watch"
)

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <ledger.jsonl>",
		Short: "Verify the hash chain of a ledger.jsonl file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := watch.VerifyFile(args[0])
			if err != nil {
				return usageErr(err)
			}
			if err := emit(cmd.OutOrStdout(), opts.format, res, res.String()); err != nil {
				return usageErr(err)
			}
			if !res.Valid() {
				return errInvalid
			}
			return nil
		},
	}
}

func newVerifyBundleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-bundle <dir|bundle.zip|bundle.json>",
		Short: "Verify an exported audit bundle",
		Long: `verify-bundle checks the ledger chain of a bundle and then its metadata:
tenant, record_count, root_hash and bundle checksum. The first failure is
reported as failure.kind at failure.position.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bundle.Load(args[0])
			if err != nil {
				return usageErr(err)
			}
			rep := bundle.Verify(b)
			if err := emit(cmd.OutOrStdout(), opts.format, rep, reportText(rep)); err != nil {
				return usageErr(err)
			}
			if !rep.Valid() {
				return errInvalid
			}
			return nil
		},
	}
}

func reportText(rep bundle.Report) string {
	var sb strings.Builder
	sb.WriteString(rep.Result.String())
	fmt.Fprintf(&sb, "\ntenant_id=%s environment=%s checksum_ok=%t", rep.TenantID, rep.Environment, rep.ChecksumOK)
	return sb.String()
}

func newWatchCmd(opts *options) *cobra.Command {
	var debounce time.Duration
	var exitOnInvalid bool

	cmd := &cobra.Command{
		Use:   "watch <ledger.jsonl>",
		Short: "Re-verify a ledger.jsonl file every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			var failed bool
			w, err := watch.New(args[0], debounce, func(res ledger.Result, err error) {
				out := cmd.OutOrStdout()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s unreadable: %v\n", time.Now().UTC().Format(time.RFC3339), err)
					return
				}
				_ = emit(out, opts.format, res, time.Now().UTC().Format(time.RFC3339)+" "+res.String())
				if !res.Valid() && exitOnInvalid {
					failed = true
					cancel()
				}
			}, opts.logger)
			if err != nil {
				return usageErr(err)
			}
			if err := w.Run(ctx); err != nil {
				return usageErr(err)
			}
			if failed {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period after the last write before verifying")
	cmd.Flags().BoolVar(&exitOnInvalid, "exit-on-invalid", false, "Exit with status 1 at the first INVALID result")
	return cmd
}
