package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/org/wirebot/pkg/models"
)

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Manage operators (owner only)"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Operators []*models.Operator `json:"operators"`
			}
			if err := client.call("GET", "/v1/operators", nil, &out); err != nil {
				return err
			}
			printOperators(out.Operators)
			return nil
		},
	}

	authorizeCmd := &cobra.Command{
		Use:   "authorize <id>",
		Short: "Grant an operator access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body := map[string]any{}
			if cmd.Flags().Changed("clients") || cmd.Flags().Changed("stats") || cmd.Flags().Changed("backup") {
				var p models.Permissions
				p.ManageClients, _ = cmd.Flags().GetBool("clients")
				p.ViewStats, _ = cmd.Flags().GetBool("stats")
				p.Backup, _ = cmd.Flags().GetBool("backup")
				body["permissions"] = p
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			var op models.Operator
			if err := client.call("PUT", "/v1/operators/"+strconv.FormatInt(id, 10), body, &op); err != nil {
				return err
			}
			printOperator(&op)
			return nil
		},
	}
	authorizeCmd.Flags().Bool("clients", true, "May manage clients")
	authorizeCmd.Flags().Bool("stats", true, "May view statistics")
	authorizeCmd.Flags().Bool("backup", false, "May create and list backups")

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an operator's access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := confirm(fmt.Sprintf("Revoke operator %d?", id)); err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Operator *models.Operator `json:"operator"`
				Clients  []string         `json:"clients"`
			}
			if err := client.call("DELETE", "/v1/operators/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
				return err
			}
			printOperator(out.Operator)
			if len(out.Clients) > 0 && outputFormat != "json" {
				printSuccess(fmt.Sprintf("Orphan policy applied to %d client(s): %v", len(out.Clients), out.Clients))
			}
			return nil
		},
	}

	limitsCmd := &cobra.Command{
		Use:   "limits <id>",
		Short: "Set an operator's client quota and rate limit (-1 = unlimited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			maxClients, _ := cmd.Flags().GetInt("max-clients")
			rate, _ := cmd.Flags().GetInt("rate")
			window, _ := cmd.Flags().GetDuration("window")
			client, err := newClient()
			if err != nil {
				return err
			}
			var op models.Operator
			body := map[string]any{"max_clients": maxClients, "rate_limit": rate, "rate_window": window.String()}
			if err := client.call("PUT", "/v1/operators/"+strconv.FormatInt(id, 10)+"/limits", body, &op); err != nil {
				return err
			}
			printOperator(&op)
			return nil
		},
	}
	limitsCmd.Flags().Int("max-clients", 100, "Maximum clients the operator may own")
	limitsCmd.Flags().Int("rate", 10, "Maximum state-changing requests per window")
	limitsCmd.Flags().Duration("window", 0, "Rate window (default 1m)")

	permsCmd := &cobra.Command{
		Use:   "permissions <id>",
		Short: "Replace an operator's permission flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var p models.Permissions
			p.ManageClients, _ = cmd.Flags().GetBool("clients")
			p.ViewStats, _ = cmd.Flags().GetBool("stats")
			p.Backup, _ = cmd.Flags().GetBool("backup")
			client, err := newClient()
			if err != nil {
				return err
			}
			var op models.Operator
			body := map[string]any{"permissions": p}
			if err := client.call("PUT", "/v1/operators/"+strconv.FormatInt(id, 10)+"/permissions", body, &op); err != nil {
				return err
			}
			printOperator(&op)
			return nil
		},
	}
	permsCmd.Flags().Bool("clients", true, "May manage clients")
	permsCmd.Flags().Bool("stats", true, "May view statistics")
	permsCmd.Flags().Bool("backup", false, "May create and list backups")

	cmd.AddCommand(listCmd, authorizeCmd, revokeCmd, limitsCmd, permsCmd)
	return cmd
}
