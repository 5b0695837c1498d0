package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	orchestratorx "github.com/tanpawarit/cognitive-backoffice/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	hitlx "github.com/tanpawarit/cognitive-backoffice/agent/hitl"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

const stores = `Runs, approvals and audit logs only outlive the process with persistent
backends (APP_STORE=sql|upstash, APP_APPROVAL_STORE=sql|redis).`

// service is the part of the orchestrator the one-shot commands drive.
type service interface {
	StartRun(ctx context.Context, req statex.Request, async bool) (*orchestratorx.RunHandle, error)
	ReviewApproval(ctx context.Context, approvalID string, status hitlx.Status, reviewer, notes string) (*orchestratorx.RunHandle, error)
	ResumeRun(ctx context.Context, approvalID string) (*orchestratorx.RunHandle, error)
	CancelRun(ctx context.Context, runID string) error
	GetAuditLog(ctx context.Context, runID string) ([]statex.AuditEntry, error)
}

var openService = func(ctx context.Context) (service, func() error, error) {
	app, err := Bootstrap(ctx)
	if err != nil {
		return nil, nil, err
	}
	return app.Orchestrator, app.Close, nil
}

func withService(cmd *cobra.Command, fn func(svc service) error) error {
	svc, closeFn, err := openService(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(svc)
}

func NewRunCommand() *cobra.Command {
	var (
		conversationID string
		principal      string
		showAudit      bool
	)

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run one request through the back office",
		Long: `Run one request locally and print the resulting run handle.

A run that needs human approval stops suspended; approve it with
"backoffice approve <approval-id>". ` + stores,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.TrimSpace(strings.Join(args, " "))
			return withService(cmd, func(svc service) error {
				handle, err := svc.StartRun(cmd.Context(), statex.Request{
					ConversationID: conversationID,
					TriggeredBy:    principal,
					UserMessage:    message,
					Security: statex.SecurityContext{
						PrincipalID:    principal,
						AccessLevel:    statex.AccessSedePrincipal,
						DeviceVerified: true,
						SessionID:      uuid.Nil.String(),
						IPAddress:      "127.0.0.1",
						UserAgent:      "backoffice-cli",
					},
				}, false)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), handle); err != nil {
					return err
				}
				if !showAudit {
					return nil
				}
				entries, err := svc.GetAuditLog(cmd.Context(), handle.RunID)
				if err != nil {
					return err
				}
				printAudit(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (derived from the run id when empty)")
	cmd.Flags().StringVar(&principal, "principal", "cli", "principal recorded as the run trigger")
	cmd.Flags().BoolVar(&showAudit, "audit", false, "print the brain log after the run")
	return cmd
}

func NewApproveCommand() *cobra.Command {
	var (
		reject   bool
		reviewer string
		notes    string
	)

	cmd := &cobra.Command{
		Use:   "approve <approval-id>",
		Short: "Approve or reject a pending action and resume its run",
		Long:  "Record a review decision for an approval request. " + stores,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := hitlx.StatusApproved
			if reject {
				status = hitlx.StatusRejected
			}
			return withService(cmd, func(svc service) error {
				handle, err := svc.ReviewApproval(cmd.Context(), args[0], status, reviewer, notes)
				closed := errors.Is(err, contractx.ErrApprovalRejected) || errors.Is(err, contractx.ErrApprovalExpired)
				if err != nil && (!closed || handle == nil) {
					return err
				}
				return printJSON(cmd.OutOrStdout(), handle)
			})
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&reviewer, "reviewer", "cli", "reviewer id")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <approval-id>",
		Short: "Resume the run of an already reviewed approval",
		Long: `Continue the suspended run behind a reviewed approval. Approved runs
execute the approved action; rejected and expired ones are closed. ` + stores,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc service) error {
				handle, err := svc.ResumeRun(cmd.Context(), args[0])
				closed := errors.Is(err, contractx.ErrApprovalRejected) || errors.Is(err, contractx.ErrApprovalExpired)
				if err != nil && (!closed || handle == nil) {
					return err
				}
				return printJSON(cmd.OutOrStdout(), handle)
			})
		},
	}
}

func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not finished",
		Long:  "Cancel a suspended or running run. " + stores,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc service) error {
				if err := svc.CancelRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func NewAuditCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Print the brain log of a run",
		Long:  "Print the brain log of a run from its latest checkpoint. " + stores,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(svc service) error {
				entries, err := svc.GetAuditLog(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				printAudit(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAudit(w io.Writer, entries []statex.AuditEntry) {
	for _, e := range entries {
		node := e.Node
		if node == "" {
			node = "-"
		}
		line := fmt.Sprintf("%s [%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.StepType, node, e.Content)
		if e.ToolName != "" {
			line += " (" + e.ToolName + ")"
		}
		_, _ = fmt.Fprintln(w, line)
	}
}
