package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/org/wirebot/internal/auth"
	"github.com/org/wirebot/pkg/models"
)

var assumeYes bool

var rootCmd = &cobra.Command{
	Use:           "wirebot",
	Short:         "wirebot CLI",
	Long:          "A CLI for managing WireGuard clients through the wirebot daemon.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(loginCmd(), whoamiCmd(), tokenCmd())
	rootCmd.AddCommand(statusCmd(), installCmd())
	rootCmd.AddCommand(clientCmd(), operatorCmd(), backupCmd(), auditCmd())
}

// confirm asks a yes/no question on the terminal. Without a terminal the
// action must be confirmed with --yes.
func confirm(prompt string) error {
	if assumeYes {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("refusing to continue without a terminal; pass --yes")
	}
	ok, err := readConfirm(os.Stdin, os.Stderr, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("aborted")
	}
	return nil
}

func readConfirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("operator id %q must be a positive integer", s)
	}
	return id, nil
}

// --- login / whoami / token ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the daemon address, your operator id and the shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("address")
			id, _ := cmd.Flags().GetInt64("operator")
			if addr != "" {
				cfg.Address = addr
			}
			if id != 0 {
				cfg.OperatorID = id
			}
			if cfg.OperatorID <= 0 {
				return errors.New("--operator is required")
			}
			fmt.Fprint(os.Stderr, "Shared secret: ")
			secret, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			cfg.Secret = strings.TrimSpace(string(secret))
			cfg.Token = ""

			client, err := newClient()
			if err != nil {
				return err
			}
			var op models.Operator
			if err := client.call("GET", "/v1/me", nil, &op); err != nil {
				return err
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Logged in as operator %d (%s). Config saved to %s.", op.ID, op.State, configPath()))
			return nil
		},
	}
	cmd.Flags().String("address", "", "Daemon address (default http://127.0.0.1:8420)")
	cmd.Flags().Int64("operator", 0, "Your operator id")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show your operator record",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var op models.Operator
			if err := client.call("GET", "/v1/me", nil, &op); err != nil {
				return err
			}
			printOperator(&op)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <operator-id>",
		Short: "Sign an operator token with the shared secret",
		Long:  "Sign an operator token for a chat front end or script. Needs the shared secret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			handle, _ := cmd.Flags().GetString("handle")
			secret := cfg.Secret
			if v := os.Getenv("WIREBOT_API_SECRET"); v != "" {
				secret = v
			}
			tokens, err := auth.NewTokenService([]byte(secret))
			if err != nil {
				return err
			}
			tok, err := tokens.CreateToken(id, handle, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, tok)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime; 0 never expires")
	cmd.Flags().String("handle", "", "Display handle carried in the token")
	return cmd
}

// --- server ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show WireGuard server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			var st models.ServerStatus
			if err := client.call("GET", "/v1/status", nil, &st); err != nil {
				return err
			}
			printServerStatus(&st)
			return nil
		},
	}
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install WireGuard on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirm("Install WireGuard on the server?"); err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			var st models.ServerStatus
			if err := client.call("POST", "/v1/install", nil, &st); err != nil {
				return err
			}
			printServerStatus(&st)
			return nil
		},
	}
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the operation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"operator", "intent", "target", "since"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(name, v)
				}
			}
			if mut, _ := cmd.Flags().GetBool("mutating"); mut {
				q.Set("mutating", "true")
			}
			if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
				q.Set("limit", strconv.Itoa(n))
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			var out struct {
				Records []*models.OperationRecord `json:"records"`
			}
			path := "/v1/audit"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			if err := client.call("GET", path, nil, &out); err != nil {
				return err
			}
			printRecords(out.Records)
			return nil
		},
	}
	cmd.Flags().String("operator", "", "Only records of this operator")
	cmd.Flags().String("intent", "", "Only this intent (add_client, remove_client, ...)")
	cmd.Flags().String("target", "", "Only this target")
	cmd.Flags().String("since", "", "RFC 3339 time or duration (e.g. 24h)")
	cmd.Flags().Bool("mutating", false, "Only state-changing intents")
	cmd.Flags().Int("limit", 0, "Maximum records (server default 50)")
	return cmd
}
