package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/pkg/models"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newRunner() *Runner { return NewRunner(nil, zerolog.Nop()) }

func TestRunCapturesOutput(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "ok.sh", "echo out; echo err >&2\n")
	res, err := newRunner().Run(context.Background(), bin, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Equal(t, models.OutcomeSucceeded, res.Outcome())
	assert.NoError(t, res.Err("ok"))
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "fail.sh", "echo 'client exists' >&2\nexit 3\n")
	res, err := newRunner().Run(context.Background(), bin, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, models.OutcomeFailed, res.Outcome())

	gerr := res.Err("add peer")
	require.ErrorIs(t, gerr, apperr.ErrGatewayFailure)
	var ge *apperr.GatewayError
	require.True(t, errors.As(gerr, &ge))
	assert.Equal(t, 3, ge.ExitCode)
	assert.Equal(t, "client exists", ge.Diagnostic())
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "survived")
	bin := writeScript(t, dir, "slow.sh", "(sleep 2; touch "+marker+") &\nsleep 10\n")

	start := time.Now()
	res, err := newRunner().Run(context.Background(), bin, nil, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, models.OutcomeIndeterminate, res.Outcome())
	assert.ErrorIs(t, res.Err("add peer"), apperr.ErrTimedOut)
	assert.Less(t, time.Since(start), 8*time.Second)

	time.Sleep(2500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child outlived the timeout")
}

func TestRunExecEnv(t *testing.T) {
	dir := t.TempDir()
	_, err := newRunner().Run(context.Background(), filepath.Join(dir, "missing"), nil, time.Second)
	assert.ErrorIs(t, err, apperr.ErrExecEnv)

	plain := filepath.Join(dir, "plain.sh")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644))
	_, err = newRunner().Run(context.Background(), plain, nil, time.Second)
	assert.ErrorIs(t, err, apperr.ErrExecEnv)
}

func TestCommandLabel(t *testing.T) {
	assert.Equal(t, "addclient", commandLabel("bash", []string{"/opt/wireguard.sh", "--addclient", "alice"}))
	assert.Equal(t, "wg show", commandLabel("/usr/bin/wg", []string{"show", "wg0", "dump"}))
	assert.Equal(t, "systemctl restart", commandLabel("systemctl", []string{"restart", "wg-quick@wg0"}))
	assert.Equal(t, "x.sh", commandLabel("/tmp/x.sh", nil))
}

// recordingScript writes its arguments, one per line, to args.txt.
func recordingScript(t *testing.T, stdout string) (*Script, string) {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	body := "for a in \"$@\"; do echo \"$a\" >> " + argsFile + "; done\nprintf '" + stdout + "'\n"
	path := writeScript(t, dir, "wireguard.sh", body)
	return NewScript(newRunner(), ScriptConfig{Path: path, Shell: "sh"}), argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func TestScriptAddPeerArgs(t *testing.T) {
	s, argsFile := recordingScript(t, "")
	res, err := s.AddPeer(context.Background(), "alice", []string{"1.1.1.1", "9.9.9.9"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSucceeded, res.Outcome())
	assert.Equal(t, []string{"--addclient", "alice", "--dns1", "1.1.1.1", "--dns2", "9.9.9.9"}, readArgs(t, argsFile))

	_, err = s.AddPeer(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestScriptRemovePeerArgs(t *testing.T) {
	s, argsFile := recordingScript(t, "")
	_, err := s.RemovePeer(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"--removeclient", "alice", "--yes"}, readArgs(t, argsFile))
}

func TestScriptInstallArgs(t *testing.T) {
	s, argsFile := recordingScript(t, "")
	_, err := s.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"--auto"}, readArgs(t, argsFile))
}

func TestScriptListPeers(t *testing.T) {
	s, _ := recordingScript(t, `1) alice\n2) bob\n\n3) carol-2\n`)
	names, err := s.ListPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol-2"}, names)
}

func TestScriptMissing(t *testing.T) {
	s := NewScript(newRunner(), ScriptConfig{Path: filepath.Join(t.TempDir(), "nope.sh"), Shell: "sh"})
	assert.False(t, s.Available())
	_, err := s.Install(context.Background())
	assert.ErrorIs(t, err, apperr.ErrExecEnv)
}

func TestScriptStatusAndReload(t *testing.T) {
	dir := t.TempDir()
	wg := writeScript(t, dir, "wg", "printf 'priv\\tpub\\t51820\\toff\\npeerA\\t(none)\\t198.51.100.1:5000\\t10.7.0.2/32\\t1700000000\\t10\\t20\\toff\\n'\n")
	reloaded := filepath.Join(dir, "reloaded")
	reload := writeScript(t, dir, "reload", "touch "+reloaded+"\n")
	script := writeScript(t, dir, "wireguard.sh", "exit 0\n")

	s := NewScript(newRunner(), ScriptConfig{
		Path:          script,
		WGBinary:      wg,
		ReloadCommand: []string{reload},
	})

	rs, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "51820", rs.ListenPort)
	require.Contains(t, rs.Peers, "peerA")
	assert.Equal(t, uint64(10), rs.Peers["peerA"].RxBytes)

	res, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSucceeded, res.Outcome())
	assert.FileExists(t, reloaded)
}

func TestScriptRemovePeerNoConfirm(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	path := writeScript(t, dir, "wireguard.sh", "for a in \"$@\"; do echo \"$a\" >> "+argsFile+"; done\n")
	s := NewScript(newRunner(), ScriptConfig{Path: path, Shell: "sh", NoConfirm: true})

	_, err := s.RemovePeer(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"--removeclient", "alice"}, readArgs(t, argsFile))
}

func TestScriptSudoWrapsEveryCommand(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "sudo.txt")
	// The fake sudo records the command it was asked to run and prints an empty dump.
	sudo := writeScript(t, dir, "sudo", "echo \"$1\" >> "+argsFile+"\nprintf 'priv\\tpub\\t51820\\toff\\n'\n")
	script := writeScript(t, dir, "wireguard.sh", "exit 0\n")

	s := NewScript(newRunner(), ScriptConfig{
		Path:          script,
		Sudo:          true,
		SudoBinary:    sudo,
		WGBinary:      "wg",
		ReloadCommand: []string{"systemctl", "restart", "wg-quick@wg0"},
	})

	_, err := s.Install(context.Background())
	require.NoError(t, err)
	_, err = s.Status(context.Background())
	require.NoError(t, err)
	_, err = s.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{script, "wg", "systemctl"}, readArgs(t, argsFile))
}
