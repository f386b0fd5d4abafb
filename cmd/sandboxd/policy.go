package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandboxrunner/sandboxd/pkg/api"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Manage sandbox policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			list, err := newClient().Policies(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), list, func() ([]string, [][]string) {
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{
						p.Name,
						p.Type,
						p.Level,
						strconv.Itoa(p.Permissions),
						strconv.Itoa(p.Limits),
						yesNo(p.DefaultDeny),
						ago(p.CreatedAt),
					})
				}
				return []string{"NAME", "TYPE", "LEVEL", "PERMISSIONS", "LIMITS", "DEFAULT DENY", "CREATED"}, rows
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Show a policy and its document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			p, err := newClient().Policy(ctx, args[0])
			if err != nil {
				return err
			}
			if outputFormat == "table" || outputFormat == "" {
				return printPolicy(cmd, p)
			}
			return render(cmd.OutOrStdout(), p, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "apply FILE",
		Short: "Register a policy document with the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read policy document: %w", err)
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			p, err := newClient().ApplyPolicy(ctx, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy %s registered (%s)\n", p.Name, p.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Unregister a policy",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().DeletePolicy(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy %s deleted\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check a policy document without a daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Policy document is valid\n")
			fmt.Fprintf(out, "Name: %s\n", p.Name())
			fmt.Fprintf(out, "Type: %s\n", p.Type())
			fmt.Fprintf(out, "Security level: %s\n", p.Level())
			fmt.Fprintf(out, "Permissions: %d\n", len(p.Entries()))
			fmt.Fprintf(out, "Resource limits: %d\n", len(p.Limits()))
			return nil
		},
	})

	return cmd
}

func printPolicy(cmd *cobra.Command, p api.PolicyResponse) error {
	out := cmd.OutOrStdout()
	fields := [][2]string{
		{"Name", p.Name},
		{"ID", p.ID},
		{"Type", p.Type},
		{"Security level", p.Level},
		{"Default deny", yesNo(p.DefaultDeny)},
		{"Enterprise managed", yesNo(p.EnterpriseManaged)},
		{"Created", ago(p.CreatedAt)},
	}
	if p.Description != "" {
		fields = append(fields, [2]string{"Description", p.Description})
	}
	if err := renderFields(out, p, fields); err != nil {
		return err
	}
	if p.Document != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, strings.TrimRight(p.Document, "\n"))
	}
	return nil
}
