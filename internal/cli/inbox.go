// ABOUTME: Inbox and tenant commands for allocator-admin
// ABOUTME: Registers inboxes and reads or updates per-tenant priority weights

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389/inbox-allocator/internal/store"
)

func (a *app) inboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inbox management",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant inbox",
		Args:  cobra.NoArgs,
		RunE:  a.withEnv(a.runInboxCreate),
	}
	create.Flags().String("id", "", "Inbox ID (default: generated)")
	create.Flags().StringP("tenant", "t", "", "Tenant ID (required)")
	create.Flags().StringP("phone", "p", "", "Phone number (required)")
	create.Flags().StringP("name", "n", "", "Display name")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("phone")

	cmd.AddCommand(create)
	return cmd
}

func (a *app) runInboxCreate(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	tenant, _ := cmd.Flags().GetString("tenant")
	phone, _ := cmd.Flags().GetString("phone")
	name, _ := cmd.Flags().GetString("name")

	inbox := &store.Inbox{ID: id, TenantID: tenant, PhoneNumber: phone, DisplayName: name}
	if err := e.store.CreateInbox(ctx, inbox); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), inbox)
	}
	success(cmd.OutOrStdout(), "Created inbox %s (%s) in %s", inbox.ID, inbox.PhoneNumber, inbox.TenantID)
	return nil
}

func (a *app) tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant settings",
	}

	weights := &cobra.Command{
		Use:   "weights <tenant-id>",
		Short: "Show or update a tenant's priority weights",
		Long: "Without --alpha or --beta, prints the effective weights. Updating requires " +
			"--admin naming an ADMIN of the tenant, and is recorded in the audit log.",
		Args: cobra.ExactArgs(1),
		RunE: a.withEnv(a.runTenantWeights),
	}
	weights.Flags().Float64("alpha", 0, "Weight of message count")
	weights.Flags().Float64("beta", 0, "Weight of recency")
	weights.Flags().String("admin", "", "Acting admin operator ID")

	cmd.AddCommand(weights)
	return cmd
}

// weightsView is the output of tenant weights.
type weightsView struct {
	TenantID string  `json:"tenant_id"`
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
}

func (a *app) runTenantWeights(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	tenantID := args[0]
	flags := cmd.Flags()

	var alpha, beta *float64
	if flags.Changed("alpha") {
		v, _ := flags.GetFloat64("alpha")
		alpha = &v
	}
	if flags.Changed("beta") {
		v, _ := flags.GetFloat64("beta")
		beta = &v
	}

	view := weightsView{TenantID: tenantID}
	if alpha == nil && beta == nil {
		w, err := e.engine.TenantWeights(ctx, tenantID)
		if err != nil {
			return err
		}
		view.Alpha, view.Beta = w.Alpha, w.Beta
	} else {
		adminID, _ := flags.GetString("admin")
		if adminID == "" {
			return fmt.Errorf("--admin is required to change weights")
		}
		tc, err := e.engine.UpdateTenantWeights(ctx, adminID, tenantID, alpha, beta)
		if err != nil {
			return err
		}
		view.Alpha, view.Beta = tc.Alpha, tc.Beta
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), view)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: alpha=%g beta=%g\n", view.TenantID, view.Alpha, view.Beta)
	return nil
}
