// ABOUTME: Message, sweep, token and audit commands for allocator-admin
// ABOUTME: Operational tools that act on the store without a running server

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/inbox-allocator/internal/auth"
	"github.com/2389/inbox-allocator/internal/ingest"
	"github.com/2389/inbox-allocator/internal/store"
)

func (a *app) messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Inbound message tools",
	}

	ing := &cobra.Command{
		Use:   "ingest",
		Short: "Record an inbound customer message",
		Long:  "Creates the conversation QUEUED, or bumps its message count and last activity.",
		Args:  cobra.NoArgs,
		RunE:  a.withEnv(a.runMessageIngest),
	}
	ing.Flags().StringP("tenant", "t", "", "Tenant ID (required)")
	ing.Flags().StringP("inbox-phone", "i", "", "Inbox phone number (required)")
	ing.Flags().StringP("conversation", "x", "", "External conversation ID (required)")
	ing.Flags().StringP("customer-phone", "p", "", "Customer phone number")
	ing.Flags().String("message-id", "", "Provider message ID")
	_ = ing.MarkFlagRequired("tenant")
	_ = ing.MarkFlagRequired("inbox-phone")
	_ = ing.MarkFlagRequired("conversation")

	cmd.AddCommand(ing)
	return cmd
}

func (a *app) runMessageIngest(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	flags := cmd.Flags()
	msg := ingest.Message{}
	msg.TenantID, _ = flags.GetString("tenant")
	msg.InboxPhone, _ = flags.GetString("inbox-phone")
	msg.ExternalConversationID, _ = flags.GetString("conversation")
	msg.CustomerPhone, _ = flags.GetString("customer-phone")
	msg.MessageID, _ = flags.GetString("message-id")

	res, err := ingest.New(e.store, nil, nil, e.logger).Ingest(ctx, msg)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), res.Conversation)
	}
	verb := "Updated"
	if res.Created {
		verb = "Queued"
	}
	success(cmd.OutOrStdout(), "%s conversation %s (%s, %d message(s))",
		verb, res.Conversation.ID, res.Conversation.State, res.Conversation.MessageCount)
	return nil
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired grace assignments once",
		Args:  cobra.NoArgs,
		RunE: a.withEnv(func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			n, err := e.engine.ProcessGraceExpiry(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), map[string]int{"reclaimed_count": n})
			}
			success(cmd.OutOrStdout(), "Reclaimed %d conversation(s)", n)
			return nil
		}),
	}
}

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "API token tools",
	}

	issue := &cobra.Command{
		Use:   "issue <operator-id>",
		Short: "Issue a bearer token for an operator",
		Args:  cobra.ExactArgs(1),
		RunE:  a.withEnv(a.runTokenIssue),
	}
	issue.Flags().Duration("ttl", 30*24*time.Hour, "Token lifetime")

	cmd.AddCommand(issue)
	return cmd
}

func (a *app) runTokenIssue(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	if e.cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	op, err := e.store.GetOperator(ctx, args[0])
	if err != nil {
		return fmt.Errorf("looking up operator %s: %w", args[0], err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(e.cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(op.ID, op.TenantID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"operator_id": op.ID,
			"token":       token,
			"expires_at":  time.Now().Add(ttl).UTC().Format(time.RFC3339),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func (a *app) auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent supervisor overrides",
		Args:  cobra.NoArgs,
		RunE:  a.withEnv(a.runAudit),
	}
	cmd.Flags().IntP("limit", "l", store.DefaultListLimit, "Maximum entries")
	return cmd
}

func (a *app) runAudit(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := e.store.ListAuditLog(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing audit log: %w", err)
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit entries")
		return nil
	}
	tw := newTable(cmd.OutOrStdout(), "TIME", "ACTOR", "ACTION", "TARGET", "DETAIL")
	for _, en := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%v\n",
			en.Timestamp.Format(time.RFC3339), en.ActorID, en.Action, en.TargetType, en.TargetID, en.Detail)
	}
	return tw.Flush()
}
