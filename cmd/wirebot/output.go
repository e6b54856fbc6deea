package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/pkg/models"
)

var outputFormat string // "table" or "json"

var stdout io.Writer = os.Stdout

// render prints v as JSON, or calls table with a tabwriter.
func render(v any, table func(w io.Writer)) {
	if outputFormat == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(v) //nolint:errcheck
		return
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	table(w)
	w.Flush()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func limit(n int) string {
	if n == models.Unlimited {
		return "unlimited"
	}
	return humanize.Comma(int64(n))
}

func printClients(clients []models.Client) {
	render(clients, func(w io.Writer) {
		fmt.Fprintln(w, "NAME\tADDRESSES\tOWNER\tCREATED\tPROFILE")
		for _, c := range clients {
			owner := "-"
			if c.Owner != 0 {
				owner = fmt.Sprint(c.Owner)
			}
			created := "-"
			if !c.CreatedAt.IsZero() {
				created = ago(c.CreatedAt)
			}
			profile := "missing"
			if c.ProfileValid {
				profile = "ok"
			} else if c.ProfilePath != "" {
				profile = "mismatch"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, strings.Join(c.AllowedIPs, ", "), owner, created, profile)
		}
	})
}

func printClient(c *models.Client) {
	render(c, func(w io.Writer) {
		fmt.Fprintf(w, "Name\t%s\n", c.Name)
		fmt.Fprintf(w, "Public key\t%s\n", c.PublicKey)
		fmt.Fprintf(w, "Preshared key\t%t\n", c.HasPSK)
		fmt.Fprintf(w, "Allowed IPs\t%s\n", strings.Join(c.AllowedIPs, ", "))
		if c.Owner != 0 {
			fmt.Fprintf(w, "Owner\t%d\n", c.Owner)
		}
		if !c.CreatedAt.IsZero() {
			fmt.Fprintf(w, "Created\t%s (%s)\n", c.CreatedAt.Local().Format(time.DateTime), ago(c.CreatedAt))
		}
		if c.ProfilePath != "" {
			fmt.Fprintf(w, "Profile\t%s\n", c.ProfilePath)
		}
	})
}

func printClientStatus(st *models.ClientStatus) {
	render(st, func(w io.Writer) {
		state := "offline"
		if st.Connected {
			state = "online"
		}
		fmt.Fprintf(w, "Name\t%s\n", st.Name)
		fmt.Fprintf(w, "State\t%s\n", state)
		if st.Endpoint != "" {
			fmt.Fprintf(w, "Endpoint\t%s\n", st.Endpoint)
		}
		fmt.Fprintf(w, "Last handshake\t%s\n", ago(st.LastHandshake))
		fmt.Fprintf(w, "Sent\t%s\n", humanize.IBytes(st.BytesUp))
		fmt.Fprintf(w, "Received\t%s\n", humanize.IBytes(st.BytesDown))
	})
}

func printServerStatus(st *models.ServerStatus) {
	render(st, func(w io.Writer) {
		if !st.Installed {
			fmt.Fprintln(w, "WireGuard is not installed")
			return
		}
		up := "down"
		if st.InterfaceUp {
			up = "up"
		}
		fmt.Fprintf(w, "Endpoint\t%s\n", st.Endpoint)
		fmt.Fprintf(w, "Listen port\t%s\n", st.ListenPort)
		fmt.Fprintf(w, "Address\t%s\n", st.Address)
		fmt.Fprintf(w, "Interface\t%s\n", up)
		fmt.Fprintf(w, "Clients\t%d (%d connected)\n", st.ClientCount, st.ConnectedClients)
		fmt.Fprintf(w, "Sent\t%s\n", humanize.IBytes(st.TotalBytesUp))
		fmt.Fprintf(w, "Received\t%s\n", humanize.IBytes(st.TotalBytesDown))
		if len(st.Drift) > 0 {
			fmt.Fprintf(w, "Out of sync\t%s\n", strings.Join(st.Drift, ", "))
		}
	})
}

func printOperators(ops []*models.Operator) {
	render(ops, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tHANDLE\tROLE\tSTATE\tMAX CLIENTS\tRATE\tPERMISSIONS\tSEEN")
		for _, op := range ops {
			l := op.EffectiveLimits()
			rate := limit(l.RateLimit)
			if l.RateLimit != models.Unlimited {
				rate += "/" + l.RateWindow.String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				op.ID, op.Handle, op.Role, op.State, limit(l.MaxClients), rate, permissions(op.Permissions), ago(op.UpdatedAt))
		}
	})
}

func printOperator(op *models.Operator) {
	printOperators([]*models.Operator{op})
}

func permissions(p models.Permissions) string {
	var out []string
	if p.ManageClients {
		out = append(out, "clients")
	}
	if p.ViewStats {
		out = append(out, "stats")
	}
	if p.Backup {
		out = append(out, "backup")
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

func printBackups(archives []backup.Archive) {
	render(archives, func(w io.Writer) {
		fmt.Fprintln(w, "NAME\tSIZE\tFILES\tCREATED")
		for _, a := range archives {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Name, humanize.Bytes(uint64(a.Size)), a.Entries, ago(a.CreatedAt))
		}
	})
}

func printRecords(records []*models.OperationRecord) {
	render(records, func(w io.Writer) {
		fmt.Fprintln(w, "TIME\tOPERATOR\tINTENT\tTARGET\tOUTCOME\tDETAIL")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Local().Format(time.DateTime), r.OperatorID, r.Intent, r.Target, r.Outcome, firstLine(r.Detail))
		}
	})
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Fprintln(stdout, msg)
}
