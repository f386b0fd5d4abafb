package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandboxrunner/sandboxd/pkg/api"
	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sandbox",
		Aliases: []string{"sb"},
		Short:   "Manage sandboxes",
	}

	cmd.AddCommand(newSandboxListCmd())
	cmd.AddCommand(newSandboxShowCmd())
	cmd.AddCommand(newSandboxCreateCmd())
	cmd.AddCommand(newSandboxStartCmd())
	cmd.AddCommand(newSandboxExecCmd())
	cmd.AddCommand(newSandboxTransitionCmd("stop", "Stop a sandbox and terminate its processes", (*api.Client).StopSandbox))
	cmd.AddCommand(newSandboxTransitionCmd("suspend", "Freeze every process of a running sandbox", (*api.Client).SuspendSandbox))
	cmd.AddCommand(newSandboxTransitionCmd("resume", "Thaw a suspended sandbox", (*api.Client).ResumeSandbox))
	cmd.AddCommand(newSandboxKillCmd())
	cmd.AddCommand(newSandboxDestroyCmd())
	cmd.AddCommand(newSandboxCheckCmd())
	cmd.AddCommand(newSandboxGrantCmd())
	cmd.AddCommand(newSandboxRevokeCmd())
	cmd.AddCommand(newSandboxAuditCmd())

	return cmd
}

func newSandboxListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sandboxes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter sandbox.State
			if state != "" {
				s, err := sandbox.ParseState(state)
				if err != nil {
					return err
				}
				filter = s
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			list, err := newClient().Sandboxes(ctx, filter)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), list, func() ([]string, [][]string) {
				rows := make([][]string, 0, len(list))
				for _, s := range list {
					rows = append(rows, []string{
						s.Name,
						shortID(s.ID),
						s.Policy,
						string(s.State),
						strconv.Itoa(len(s.Processes)),
						strconv.FormatUint(s.Security.Violations, 10),
						ago(s.CreatedAt),
					})
				}
				return []string{"NAME", "ID", "POLICY", "STATE", "PROCESSES", "VIOLATIONS", "CREATED"}, rows
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only list sandboxes in this state")

	return cmd
}

func newSandboxShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show the state, processes and limits of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			snap, err := newClient().Sandbox(ctx, args[0])
			if err != nil {
				return err
			}
			return printSnapshot(cmd, snap)
		},
	}
}

func newSandboxCreateCmd() *cobra.Command {
	var (
		policyName string
		env        []string
		workDir    string
	)

	cmd := &cobra.Command{
		Use:   "create NAME --policy POLICY [-- COMMAND [ARGS...]]",
		Short: "Create a sandbox, and start it when a command is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CreateSandboxRequest{
				Name:    args[0],
				Policy:  policyName,
				Command: args[1:],
				Env:     env,
				WorkDir: workDir,
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			snap, err := newClient().CreateSandbox(ctx, req)
			if err != nil {
				return err
			}
			return printSnapshot(cmd, snap)
		},
	}
	cmd.Flags().StringVar(&policyName, "policy", "", "policy the sandbox runs under")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "environment variable KEY=VALUE")
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "working directory of the entry process")
	_ = cmd.MarkFlagRequired("policy")

	return cmd
}

func processFlags(cmd *cobra.Command, req *api.ProcessRequest) {
	cmd.Flags().StringArrayVarP(&req.Env, "env", "e", nil, "environment variable KEY=VALUE")
	cmd.Flags().StringVarP(&req.WorkDir, "workdir", "w", "", "working directory")
	cmd.Flags().StringVarP(&req.User, "user", "u", "", "user to run as (uid[:gid])")
}

func newSandboxStartCmd() *cobra.Command {
	var req api.ProcessRequest

	cmd := &cobra.Command{
		Use:   "start NAME -- COMMAND [ARGS...]",
		Short: "Start a created sandbox with an entry process",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Command = args[1:]

			ctx, cancel := requestContext(cmd)
			defer cancel()

			snap, err := newClient().StartSandbox(ctx, args[0], req)
			if err != nil {
				return err
			}
			return printSnapshot(cmd, snap)
		},
	}
	processFlags(cmd, &req)

	return cmd
}

func newSandboxExecCmd() *cobra.Command {
	var req api.ProcessRequest

	cmd := &cobra.Command{
		Use:   "exec NAME -- COMMAND [ARGS...]",
		Short: "Run another process inside a running sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Command = args[1:]

			ctx, cancel := requestContext(cmd)
			defer cancel()

			pid, err := newClient().Exec(ctx, args[0], req)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), api.ExecResponse{PID: pid}, func() ([]string, [][]string) {
				return []string{"SANDBOX", "PID"}, [][]string{{args[0], strconv.Itoa(pid)}}
			})
		},
	}
	processFlags(cmd, &req)

	return cmd
}

type transitionFunc func(c *api.Client, ctx context.Context, name string) (sandbox.Snapshot, error)

func newSandboxTransitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			snap, err := fn(newClient(), ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), snap, func() ([]string, [][]string) {
				return []string{"NAME", "STATE"}, [][]string{{snap.Name, string(snap.State)}}
			})
		},
	}
}

func newSandboxKillCmd() *cobra.Command {
	var sig string

	cmd := &cobra.Command{
		Use:   "kill NAME",
		Short: "Send a signal to every process of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().KillSandbox(ctx, args[0], sig); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to sandbox %s\n", strings.ToUpper(sig), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&sig, "signal", "SIGKILL", "signal name or number")

	return cmd
}

func newSandboxDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "destroy NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a stopped sandbox",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().DestroySandbox(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sandbox %s destroyed\n", args[0])
			return nil
		},
	}
}

func newSandboxCheckCmd() *cobra.Command {
	var req api.CheckRequest

	cmd := &cobra.Command{
		Use:   "check NAME PERMISSION",
		Short: "Ask for a mediation decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Permission = args[1]

			ctx, cancel := requestContext(cmd)
			defer cancel()

			res, err := newClient().Check(ctx, args[0], req)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), res, func() ([]string, [][]string) {
				return []string{"PERMISSION", "DECISION"}, [][]string{{res.Permission, res.Decision}}
			})
		},
	}
	cmd.Flags().StringVar(&req.Path, "path", "", "path the request concerns")
	cmd.Flags().BoolVar(&req.Confirmed, "confirmed", false, "the user confirmed the request")
	cmd.Flags().IntVar(&req.PID, "pid", 0, "requesting process (default the sandbox)")

	return cmd
}

func newSandboxGrantCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "grant NAME PERMISSION",
		Short: "Override a permission for one sandbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().Grant(ctx, args[0], args[1], state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Permission %s set to %s on sandbox %s\n", args[1], state, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "granted", "permission state (granted, denied, ask-user, audit-required, ...)")

	return cmd
}

func newSandboxRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke NAME PERMISSION",
		Short: "Remove a per-sandbox permission override",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().Revoke(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Permission %s revoked on sandbox %s\n", args[1], args[0])
			return nil
		},
	}
}

func newSandboxAuditCmd() *cobra.Command {
	var (
		limit  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "audit NAME",
		Short: "Show the recent audit records of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				return followAudit(cmd, args[0])
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			records, err := newClient().AuditRecords(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return renderRecords(cmd, records)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of records (0 for the whole ring)")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "stream records as they are written")

	return cmd
}

// followAudit prints stream messages one per line until interrupted.
func followAudit(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	err := newClient().StreamAudit(ctx, name, func(msg api.StreamMessage) error {
		switch {
		case outputFormat == "json":
			return writeJSONLine(out, msg)
		case msg.Record != nil:
			fmt.Fprintln(out, formatRecord(*msg.Record))
		case msg.Transition != nil:
			fmt.Fprintf(out, "%s  state %s -> %s\n",
				msg.Timestamp.Format("15:04:05.000"), msg.Transition.From, msg.Transition.To)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func formatRecord(r audit.Record) string {
	line := fmt.Sprintf("%s  #%d %-8s %s", r.Timestamp.Format("15:04:05.000"), r.Sequence, r.Severity, r.Kind)
	if r.Subject != "" {
		line += " " + r.Subject
	}
	if r.Description != "" {
		line += ": " + r.Description
	}
	return line
}

func renderRecords(cmd *cobra.Command, records []audit.Record) error {
	return render(cmd.OutOrStdout(), records, func() ([]string, [][]string) {
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			pid := "-"
			if r.PID != 0 {
				pid = strconv.Itoa(r.PID)
			}
			rows = append(rows, []string{
				strconv.FormatUint(r.Sequence, 10),
				r.Timestamp.Format("2006-01-02 15:04:05"),
				r.SandboxName,
				string(r.Kind),
				string(r.Severity),
				r.Subject,
				pid,
				string(r.Response),
			})
		}
		return []string{"SEQ", "TIME", "SANDBOX", "KIND", "SEVERITY", "SUBJECT", "PID", "RESPONSE"}, rows
	})
}

func printSnapshot(cmd *cobra.Command, s sandbox.Snapshot) error {
	if outputFormat != "table" && outputFormat != "" {
		return render(cmd.OutOrStdout(), s, nil)
	}

	out := cmd.OutOrStdout()
	fields := [][2]string{
		{"Name", s.Name},
		{"ID", s.ID},
		{"Policy", s.Policy},
		{"State", string(s.State)},
		{"Security level", s.Level.String()},
		{"Created", ago(s.CreatedAt)},
		{"Started", ago(s.StartedAt)},
		{"Violations", strconv.FormatUint(s.Security.Violations, 10)},
		{"Audit records", strconv.FormatUint(s.Audit.Records, 10)},
		{"Memory", formatBytes(s.Counters.Bytes)},
	}
	if s.Context != "" {
		fields = append(fields, [2]string{"Security context", s.Context})
	}
	if !s.StoppedAt.IsZero() {
		fields = append(fields, [2]string{"Stopped", ago(s.StoppedAt)})
	}
	if s.Error != "" {
		fields = append(fields, [2]string{"Error", s.Error})
	}
	if err := renderFields(out, s, fields); err != nil {
		return err
	}

	if len(s.Processes) > 0 {
		rows := make([][]string, 0, len(s.Processes))
		for _, p := range s.Processes {
			rows = append(rows, []string{strconv.Itoa(p.PID), strconv.Itoa(p.ParentPID), p.Command, ago(p.StartedAt)})
		}
		fmt.Fprintln(out, renderTable([]string{"PID", "PPID", "COMMAND", "STARTED"}, rows))
	}

	if len(s.Limits) > 0 {
		rows := make([][]string, 0, len(s.Limits))
		for _, l := range s.Limits {
			rows = append(rows, []string{
				string(l.Kind),
				formatQuantity(l.Current, l.Kind.Unit()),
				formatQuantity(l.Soft, l.Kind.Unit()),
				formatQuantity(l.Hard, l.Kind.Unit()),
				formatQuantity(l.Peak, l.Kind.Unit()),
				yesNo(l.Enforce),
			})
		}
		fmt.Fprintln(out, renderTable([]string{"RESOURCE", "CURRENT", "SOFT", "HARD", "PEAK", "ENFORCED"}, rows))
	}
	return nil
}

// formatQuantity renders byte quantities in IEC units and everything else
// with its unit suffix.
func formatQuantity(v uint64, unit string) string {
	switch unit {
	case "bytes":
		return formatBytes(v)
	case "bytes/s":
		return formatBytes(v) + "/s"
	}
	if unit == "" {
		return strconv.FormatUint(v, 10)
	}
	return strconv.FormatUint(v, 10) + " " + unit
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
