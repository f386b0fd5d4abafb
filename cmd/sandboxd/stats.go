package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/sandboxd/pkg/api"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fleet statistics of the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			st, err := newClient().Statistics(ctx)
			if err != nil {
				return err
			}

			fields := [][2]string{
				{"Sandboxes", fmt.Sprintf("%d (%d active)", st.Sandboxes, st.ActiveSandboxes)},
				{"Policies", strconv.Itoa(st.Policies)},
				{"Processes", strconv.Itoa(st.Processes)},
				{"Sandboxes created", humanize.Comma(int64(st.SandboxesCreated))},
				{"Sandboxes destroyed", humanize.Comma(int64(st.SandboxesDestroyed))},
				{"Processes sandboxed", humanize.Comma(int64(st.ProcessesSandboxed))},
				{"Permission requests", humanize.Comma(int64(st.PermissionRequests))},
				{"Grants", humanize.Comma(int64(st.PermissionGrants))},
				{"Denials", humanize.Comma(int64(st.PermissionDenials))},
				{"Prompts", humanize.Comma(int64(st.PermissionPrompts))},
				{"Grant ratio", fmt.Sprintf("%.1f%%", st.GrantRatio*100)},
				{"Violations", humanize.Comma(int64(st.Violations))},
				{"Audit records", humanize.Comma(int64(st.AuditRecords))},
				{"Audit delivery failures", humanize.Comma(int64(st.DeliveryFailures))},
				{"Events dropped", humanize.Comma(int64(st.EventsDropped))},
			}

			states := make([]string, 0, len(st.StateBreakdown))
			for state, n := range st.StateBreakdown {
				states = append(states, fmt.Sprintf("%s=%d", state, n))
			}
			sort.Strings(states)
			if len(states) > 0 {
				fields = append(fields, [2]string{"States", strings.Join(states, " ")})
			}
			return renderFields(cmd.OutOrStdout(), st, fields)
		},
	}
}

func newPermissionsCmd() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "List the permission catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if category != "" && !validCategory(category) {
				return fmt.Errorf("unknown permission category %q", category)
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			all, err := newClient().Permissions(ctx)
			if err != nil {
				return err
			}
			list := make([]api.PermissionResponse, 0, len(all))
			for _, p := range all {
				if category == "" || p.Category == category {
					list = append(list, p)
				}
			}

			return render(cmd.OutOrStdout(), list, func() ([]string, [][]string) {
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{p.Name, p.Category, yesNo(p.Dangerous), p.Summary})
				}
				return []string{"PERMISSION", "CATEGORY", "DANGEROUS", "SUMMARY"}, rows
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list one category")

	return cmd
}

func validCategory(name string) bool {
	for _, c := range permission.Categories() {
		if string(c) == name {
			return true
		}
	}
	return false
}
