package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/internal/crypto"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Back up and restore the WireGuard configuration"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backup archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Backups []backup.Archive `json:"backups"`
			}
			if err := client.call("GET", "/v1/backups", nil, &out); err != nil {
				return err
			}
			printBackups(out.Backups)
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var a backup.Archive
			if err := client.call("POST", "/v1/backups", nil, &a); err != nil {
				return err
			}
			printBackups([]backup.Archive{a})
			return nil
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <name>",
		Short: "Restore the configuration from an archive (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(fmt.Sprintf("Replace the live configuration with %s and restart WireGuard?", args[0])); err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.call("POST", "/v1/backups/"+url.PathEscape(args[0])+"/restore", nil, nil); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Restored %s.", args[0]))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm(fmt.Sprintf("Delete %s?", args[0])); err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.call("DELETE", "/v1/backups/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Deleted %s.", args[0]))
			return nil
		},
	}

	decryptCmd := &cobra.Command{
		Use:   "decrypt <file>",
		Short: "Decrypt an archive copy downloaded from the S3 mirror",
		Long:  "Decrypt a sealed mirror copy (" + backup.SealedSuffix + "). The passphrase is read from WIREBOT_BACKUP_KEY or the terminal.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			return decryptArchive(args[0], out)
		},
	}
	decryptCmd.Flags().StringP("output", "o", "", "Output file (default: input without "+backup.SealedSuffix+")")

	cmd.AddCommand(listCmd, createCmd, restoreCmd, deleteCmd, decryptCmd)
	return cmd
}

func decryptArchive(in, out string) error {
	name := strings.TrimSuffix(filepath.Base(in), backup.SealedSuffix)
	if _, err := backup.ParseName(name); err != nil {
		return err
	}
	if out == "" {
		out = filepath.Join(filepath.Dir(in), name)
	}
	passphrase := []byte(os.Getenv("WIREBOT_BACKUP_KEY"))
	if len(passphrase) == 0 {
		fmt.Fprint(os.Stderr, "Backup passphrase: ")
		var err error
		passphrase, err = term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
	}
	kek, err := crypto.DeriveKEK(passphrase, crypto.MirrorContext)
	if err != nil {
		return err
	}
	sealed, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	plain, err := crypto.Open(sealed, kek, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, plain, 0o600); err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Decrypted %s to %s.", in, out))
	return nil
}
