// ABOUTME: Operator management commands for allocator-admin
// ABOUTME: Create operators, list a tenant's operators and read or change availability

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/inbox-allocator/internal/store"
)

func (a *app) operatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Operator management",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator",
		Args:  cobra.NoArgs,
		RunE:  a.withEnv(a.runOperatorCreate),
	}
	create.Flags().String("id", "", "Operator ID (default: generated)")
	create.Flags().StringP("tenant", "t", "", "Tenant ID (required)")
	create.Flags().StringP("name", "n", "", "Display name")
	create.Flags().StringP("role", "r", string(store.RoleOperator), "Role: OPERATOR, MANAGER or ADMIN")
	_ = create.MarkFlagRequired("tenant")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a tenant's operators",
		Args:  cobra.NoArgs,
		RunE:  a.withEnv(a.runOperatorList),
	}
	list.Flags().StringP("tenant", "t", "", "Tenant ID (required)")
	_ = list.MarkFlagRequired("tenant")

	status := &cobra.Command{
		Use:   "status <operator-id> [AVAILABLE|OFFLINE]",
		Short: "Show or change an operator's availability",
		Long: "Without a status, prints the operator. With one, changes availability " +
			"exactly as the operator would: going OFFLINE opens grace windows on its conversations.",
		Args: cobra.RangeArgs(1, 2),
		RunE: a.withEnv(a.runOperatorStatus),
	}

	cmd.AddCommand(create, list, status)
	return cmd
}

func (a *app) runOperatorCreate(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	roleStr, _ := cmd.Flags().GetString("role")

	role := store.OperatorRole(strings.ToUpper(roleStr))
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", roleStr)
	}

	op := &store.Operator{
		ID:          id,
		TenantID:    tenant,
		DisplayName: name,
		Role:        role,
		Status:      store.StatusOffline,
	}
	if err := e.store.CreateOperator(ctx, op); err != nil {
		return fmt.Errorf("creating operator: %w", err)
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), op)
	}
	success(cmd.OutOrStdout(), "Created %s %s in %s", op.Role, op.ID, op.TenantID)
	return nil
}

func (a *app) runOperatorList(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	ops, err := e.store.ListOperators(ctx, tenant)
	if err != nil {
		return fmt.Errorf("listing operators: %w", err)
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), ops)
	}
	if len(ops) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No operators in %s\n", tenant)
		return nil
	}
	tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "ROLE", "STATUS", "SINCE")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", op.ID, op.DisplayName, op.Role, op.Status, op.LastStatusChangeAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) runOperatorStatus(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
	if len(args) == 1 {
		op, err := e.engine.Operator(ctx, args[0])
		if err != nil {
			return err
		}
		if a.jsonOutput() {
			return printJSON(cmd.OutOrStdout(), op)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %s): %s\n", op.ID, op.TenantID, op.Role, op.Status)
		return nil
	}

	status := store.OperatorStatus(strings.ToUpper(args[1]))
	change, err := e.engine.ChangeOperatorStatus(ctx, args[0], status)
	if err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(cmd.OutOrStdout(), change)
	}
	switch change.Operator.Status {
	case store.StatusOffline:
		success(cmd.OutOrStdout(), "%s is OFFLINE, %d conversation(s) in grace until %s",
			change.Operator.ID, change.GraceAssignments,
			change.Operator.LastStatusChangeAt.Add(e.engine.Config().GracePeriod).Format(time.RFC3339))
	default:
		success(cmd.OutOrStdout(), "%s is %s, %d grace assignment(s) cleared",
			change.Operator.ID, change.Operator.Status, change.GraceAssignments)
	}
	return nil
}
