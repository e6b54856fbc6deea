package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/wgconf"
)

// ScriptConfig describes how to drive the lifecycle script. The defaults match
// the stock wireguard.sh installer.
type ScriptConfig struct {
	Path       string `yaml:"path"`
	Shell      string `yaml:"shell"` // interpreter; empty runs Path directly
	Sudo       bool   `yaml:"sudo"`  // applies to the script, wg and the reload command
	SudoBinary string `yaml:"sudo_binary"`

	InstallFlag string `yaml:"install_flag"`
	AddFlag     string `yaml:"add_flag"`
	RemoveFlag  string `yaml:"remove_flag"`
	ListFlag    string `yaml:"list_flag"`
	DNS1Flag    string `yaml:"dns1_flag"`
	DNS2Flag    string `yaml:"dns2_flag"`
	ConfirmFlag string `yaml:"confirm_flag"`
	NoConfirm   bool   `yaml:"no_confirm"` // omit ConfirmFlag for scripts that never prompt

	Interface     string   `yaml:"interface"`
	WGBinary      string   `yaml:"wg_binary"`
	ReloadCommand []string `yaml:"reload_command"`

	PeerTimeout    time.Duration `yaml:"peer_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
	ReloadTimeout  time.Duration `yaml:"reload_timeout"`
}

// DefaultScriptConfig returns the wireguard.sh contract.
func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{
		Path:           "/opt/wirebot/wireguard.sh",
		Shell:          "bash",
		SudoBinary:     "sudo",
		InstallFlag:    "--auto",
		AddFlag:        "--addclient",
		RemoveFlag:     "--removeclient",
		ListFlag:       "--listclients",
		DNS1Flag:       "--dns1",
		DNS2Flag:       "--dns2",
		ConfirmFlag:    "--yes",
		Interface:      "wg0",
		WGBinary:       "wg",
		ReloadCommand:  []string{"systemctl", "restart", "wg-quick@wg0"},
		PeerTimeout:    30 * time.Second,
		InstallTimeout: 300 * time.Second,
		ReloadTimeout:  60 * time.Second,
	}
}

// Script is the lifecycle script contract. Each call is a single bounded
// subprocess; interpreting the effect on the config file is the caller's job.
type Script struct {
	runner *Runner
	cfg    ScriptConfig
}

// NewScript creates a Script. Zero fields in cfg fall back to the defaults,
// except Shell, where empty means the script is executed directly.
func NewScript(runner *Runner, cfg ScriptConfig) *Script {
	def := DefaultScriptConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SudoBinary == "" {
		cfg.SudoBinary = def.SudoBinary
	}
	if cfg.ConfirmFlag == "" {
		cfg.ConfirmFlag = def.ConfirmFlag
	}
	if cfg.InstallFlag == "" {
		cfg.InstallFlag = def.InstallFlag
	}
	if cfg.AddFlag == "" {
		cfg.AddFlag = def.AddFlag
	}
	if cfg.RemoveFlag == "" {
		cfg.RemoveFlag = def.RemoveFlag
	}
	if cfg.ListFlag == "" {
		cfg.ListFlag = def.ListFlag
	}
	if cfg.DNS1Flag == "" {
		cfg.DNS1Flag = def.DNS1Flag
	}
	if cfg.DNS2Flag == "" {
		cfg.DNS2Flag = def.DNS2Flag
	}
	if cfg.Interface == "" {
		cfg.Interface = def.Interface
	}
	if cfg.WGBinary == "" {
		cfg.WGBinary = def.WGBinary
	}
	if len(cfg.ReloadCommand) == 0 {
		cfg.ReloadCommand = def.ReloadCommand
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = def.PeerTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = def.ReloadTimeout
	}
	return &Script{runner: runner, cfg: cfg}
}

// Path returns the script location.
func (s *Script) Path() string { return s.cfg.Path }

// Available reports whether the script file is present.
func (s *Script) Available() bool {
	fi, err := os.Stat(s.cfg.Path)
	return err == nil && fi.Mode().IsRegular()
}

func (s *Script) invoke(ctx context.Context, timeout time.Duration, args ...string) (Result, error) {
	if !s.Available() {
		return Result{}, fmt.Errorf("%w: script %s not found", apperr.ErrExecEnv, s.cfg.Path)
	}
	command := s.cfg.Path
	var full []string
	if s.cfg.Shell != "" {
		command = s.cfg.Shell
		full = append(full, s.cfg.Path)
	}
	return s.run(ctx, timeout, command, append(full, args...))
}

// run executes command, through sudo when configured.
func (s *Script) run(ctx context.Context, timeout time.Duration, command string, args []string) (Result, error) {
	if s.cfg.Sudo {
		args = append([]string{command}, args...)
		command = s.cfg.SudoBinary
	}
	return s.runner.Run(ctx, command, args, timeout)
}

// Install runs the unattended installer.
func (s *Script) Install(ctx context.Context) (Result, error) {
	return s.invoke(ctx, s.cfg.InstallTimeout, s.cfg.InstallFlag)
}

// AddPeer asks the script to create a peer with one or two DNS servers.
func (s *Script) AddPeer(ctx context.Context, name string, dns []string) (Result, error) {
	if len(dns) == 0 || len(dns) > 2 {
		return Result{}, apperr.Validation("expected 1 or 2 DNS servers, got %d", len(dns))
	}
	args := []string{s.cfg.AddFlag, name, s.cfg.DNS1Flag, dns[0]}
	if len(dns) == 2 {
		args = append(args, s.cfg.DNS2Flag, dns[1])
	}
	return s.invoke(ctx, s.cfg.PeerTimeout, args...)
}

// RemovePeer asks the script to delete a peer without prompting.
func (s *Script) RemovePeer(ctx context.Context, name string) (Result, error) {
	args := []string{s.cfg.RemoveFlag, name}
	if !s.cfg.NoConfirm {
		args = append(args, s.cfg.ConfirmFlag)
	}
	return s.invoke(ctx, s.cfg.PeerTimeout, args...)
}

// ListPeers returns the peer names the script reports, in its order.
func (s *Script) ListPeers(ctx context.Context) ([]string, error) {
	res, err := s.invoke(ctx, s.cfg.PeerTimeout, s.cfg.ListFlag)
	if err != nil {
		return nil, err
	}
	if err := res.Err("list peers"); err != nil {
		return nil, err
	}
	return parseList(res.Stdout), nil
}

// Status returns the live interface state from "wg show <iface> dump".
func (s *Script) Status(ctx context.Context) (*wgconf.RuntimeStatus, error) {
	res, err := s.run(ctx, s.cfg.PeerTimeout, s.cfg.WGBinary, []string{"show", s.cfg.Interface, "dump"})
	if err != nil {
		return nil, err
	}
	if err := res.Err("wg show"); err != nil {
		return nil, err
	}
	return wgconf.ParseDump(res.Stdout)
}

// Reload restarts the daemon so it picks up a restored config.
func (s *Script) Reload(ctx context.Context) (Result, error) {
	return s.run(ctx, s.cfg.ReloadTimeout, s.cfg.ReloadCommand[0], s.cfg.ReloadCommand[1:])
}

// parseList accepts plain names or the installer's numbered "1) name" lines.
func parseList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.Index(line, ")"); i > 0 && isDigits(line[:i]) {
			line = strings.TrimSpace(line[i+1:])
		}
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
