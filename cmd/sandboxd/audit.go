package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit trail",
	}

	cmd.AddCommand(newAuditQueryCmd())
	cmd.AddCommand(newAuditVerifyCmd())

	return cmd
}

func newAuditQueryCmd() *cobra.Command {
	var (
		sandboxRef string
		kinds      []string
		since      time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search the persisted audit trail of every sandbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := storage.AuditQuery{
				Sandbox: sandboxRef,
				Limit:   limit,
			}
			for _, k := range kinds {
				q.Kinds = append(q.Kinds, audit.Kind(k))
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			records, err := newClient().QueryAudit(ctx, q)
			if err != nil {
				return err
			}
			return renderRecords(cmd, records)
		},
	}
	cmd.Flags().StringVar(&sandboxRef, "sandbox", "", "sandbox id or name")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "record kinds, e.g. PermissionDenied,HardLimitExceeded")
	cmd.Flags().DurationVar(&since, "since", 0, "only records newer than this, e.g. 1h")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of records")

	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var (
		keyFile   string
		algorithm string
	)

	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Verify the hash chain and signatures of an audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := audit.VerifyChain(args[0])
			if err != nil {
				return fmt.Errorf("audit log chain broken: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Hash chain intact: %d records\n", n)

			if keyFile == "" {
				return nil
			}
			signer, err := audit.LoadSigner(algorithm, keyFile)
			if err != nil {
				return err
			}
			records, err := audit.ReadFile(args[0])
			if err != nil {
				return err
			}
			var unsigned, bad int
			for _, rec := range records {
				switch {
				case rec.Signature == "":
					unsigned++
				case !audit.Verify(signer, rec):
					bad++
					fmt.Fprintf(out, "Bad signature: record %d (%s)\n", rec.Sequence, rec.ID)
				}
			}
			fmt.Fprintf(out, "Signatures: %d valid, %d unsigned, %d invalid\n", len(records)-unsigned-bad, unsigned, bad)
			if bad > 0 {
				return fmt.Errorf("%d records failed signature verification", bad)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "signing key file; checks record signatures too")
	cmd.Flags().StringVar(&algorithm, "algorithm", "hmac-sha256", "signing algorithm (hmac-sha256, blake3)")

	return cmd
}
