package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/org/wirebot/pkg/models"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "client", Short: "Manage VPN clients"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Clients []models.Client `json:"clients"`
			}
			if err := client.call("GET", "/v1/clients", nil, &out); err != nil {
				return err
			}
			printClients(out.Clients)
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dns, _ := cmd.Flags().GetStringSlice("dns")
			client, err := newClient()
			if err != nil {
				return err
			}
			var c models.Client
			if err := client.call("POST", "/v1/clients", map[string]any{"name": args[0], "dns": dns}, &c); err != nil {
				return err
			}
			printClient(&c)
			return nil
		},
	}
	addCmd.Flags().StringSlice("dns", nil, "Up to two DNS resolvers (default 8.8.8.8,8.8.4.4)")

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(fmt.Sprintf("Remove client %q? Its profile stops working immediately.", args[0])); err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.call("DELETE", "/v1/clients/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Client %s removed.", args[0]))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var c models.Client
			if err := client.call("GET", "/v1/clients/"+url.PathEscape(args[0]), nil, &c); err != nil {
				return err
			}
			printClient(&c)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show a client's connection status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var st models.ClientStatus
			if err := client.call("GET", "/v1/clients/"+url.PathEscape(args[0])+"/status", nil, &st); err != nil {
				return err
			}
			printClientStatus(&st)
			return nil
		},
	}

	profileCmd := &cobra.Command{
		Use:   "profile <name>",
		Short: "Download a client's configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			client, err := newClient()
			if err != nil {
				return err
			}
			data, err := client.raw("/v1/clients/" + url.PathEscape(args[0]) + "/profile")
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err := stdout.Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Profile written to %s.", out))
			return nil
		},
	}
	profileCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	cmd.AddCommand(listCmd, addCmd, removeCmd, showCmd, statusCmd, profileCmd)
	return cmd
}
