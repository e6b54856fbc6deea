// Package lifecycletest provides an in-process stand-in for the lifecycle
// script that edits a real config file the way wireguard.sh does.
package lifecycletest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/gateway"
	"github.com/org/wirebot/internal/wgconf"
)

// Mode selects how the fake script misbehaves.
type Mode int

const (
	Normal            Mode = iota
	NoopExitZero           // exits 0 without touching the file
	FailExit               // exits 1 without touching the file
	TimeoutApplied         // applies the change, then times out
	TimeoutNotApplied      // times out without applying
)

// BaseConfig is a freshly installed server with no peers.
const BaseConfig = `# Do not alter the commented lines
# They are used by wireguard-install
# ENDPOINT 203.0.113.7

[Interface]
Address = 10.7.0.1/24, fddd:2c4:2c4:2c4::1/64
PrivateKey = aGVsbG8taGVsbG8taGVsbG8taGVsbG8taGVsbG8tISE=
ListenPort = 51820
`

// Gateway is a fake lifecycle script.
type Gateway struct {
	ConfPath    string
	ProfileDir  string
	Mode        Mode
	Calls       []string
	Handshakes  map[string]time.Time // by client name
	StatusError error
	ExtraPeers  []string // listed by ListPeers but absent from the config

	mu      sync.Mutex
	nextIP  int
	pubKeys map[string]string
}

// New creates a fake script for the config at confPath.
func New(confPath, profileDir string) *Gateway {
	return &Gateway{
		ConfPath:   confPath,
		ProfileDir: profileDir,
		Handshakes: map[string]time.Time{},
		nextIP:     2,
		pubKeys:    map[string]string{},
	}
}

// Setup creates an installed server in a temp directory and returns a store
// and fake gateway over it.
func Setup(dir string) (*wgconf.Store, *Gateway, error) {
	conf := filepath.Join(dir, "wg0.conf")
	profiles := filepath.Join(dir, "clients")
	if err := os.MkdirAll(profiles, 0o700); err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(conf, []byte(BaseConfig), 0o600); err != nil {
		return nil, nil, err
	}
	return wgconf.NewStore(conf, wgconf.NewProfileDir(profiles), zerolog.Nop()), New(conf, profiles), nil
}

func (g *Gateway) record(call string) {
	g.Calls = append(g.Calls, call)
}

func (g *Gateway) result() gateway.Result {
	switch g.Mode {
	case FailExit:
		return gateway.Result{ExitCode: 1, Stderr: "simulated failure"}
	case TimeoutApplied, TimeoutNotApplied:
		return gateway.Result{ExitCode: -1, TimedOut: true}
	}
	return gateway.Result{}
}

func (g *Gateway) applies() bool {
	return g.Mode == Normal || g.Mode == TimeoutApplied
}

func (g *Gateway) Install(ctx context.Context) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("install")
	if g.applies() {
		if err := os.WriteFile(g.ConfPath, []byte(BaseConfig), 0o600); err != nil {
			return gateway.Result{}, err
		}
	}
	return g.result(), nil
}

func (g *Gateway) AddPeer(ctx context.Context, name string, dns []string) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("add " + name + " " + strings.Join(dns, ","))
	if !g.applies() {
		return g.result(), nil
	}

	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return gateway.Result{}, err
	}
	privB64 := base64.StdEncoding.EncodeToString(priv)
	pub, err := wgconf.PublicKeyFromPrivate(privB64)
	if err != nil {
		return gateway.Result{}, err
	}
	octet := g.nextIP
	g.nextIP++

	data, err := os.ReadFile(g.ConfPath)
	if err != nil {
		return gateway.Result{}, err
	}
	block := fmt.Sprintf("\n# BEGIN_PEER %s\n[Peer]\nPublicKey = %s\nPresharedKey = psk%d\nAllowedIPs = 10.7.0.%d/32, fddd:2c4:2c4:2c4::%d/128\n# END_PEER %s\n",
		name, pub, octet, octet, octet, name)
	if err := os.WriteFile(g.ConfPath, append(data, block...), 0o600); err != nil {
		return gateway.Result{}, err
	}
	profile := fmt.Sprintf("[Interface]\nAddress = 10.7.0.%d/24\nDNS = %s\nPrivateKey = %s\n\n[Peer]\nPublicKey = server\nEndpoint = 203.0.113.7:51820\n",
		octet, strings.Join(dns, ", "), privB64)
	if err := os.WriteFile(filepath.Join(g.ProfileDir, name+".conf"), []byte(profile), 0o600); err != nil {
		return gateway.Result{}, err
	}
	g.pubKeys[name] = pub
	return g.result(), nil
}

func (g *Gateway) RemovePeer(ctx context.Context, name string) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("remove " + name)
	if !g.applies() {
		return g.result(), nil
	}
	data, err := os.ReadFile(g.ConfPath)
	if err != nil {
		return gateway.Result{}, err
	}
	var out []string
	skip := false
	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case "# BEGIN_PEER " + name:
			skip = true
			continue
		case "# END_PEER " + name:
			skip = false
			continue
		}
		if !skip {
			out = append(out, line)
		}
	}
	if err := os.WriteFile(g.ConfPath, []byte(strings.Join(out, "\n")), 0o600); err != nil {
		return gateway.Result{}, err
	}
	os.Remove(filepath.Join(g.ProfileDir, name+".conf"))
	delete(g.pubKeys, name)
	return g.result(), nil
}

// ListPeers lists the peers in the config file, followed by ExtraPeers.
func (g *Gateway) ListPeers(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("list")
	data, err := os.ReadFile(g.ConfPath)
	if err != nil {
		return nil, err
	}
	snap, err := wgconf.Parse(data)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range snap.Peers() {
		names = append(names, p.Name)
	}
	return append(names, g.ExtraPeers...), nil
}

func (g *Gateway) Status(ctx context.Context) (*wgconf.RuntimeStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("status")
	if g.StatusError != nil {
		return nil, g.StatusError
	}
	rs := &wgconf.RuntimeStatus{PublicKey: "server", ListenPort: "51820", Peers: map[string]wgconf.PeerRuntime{}}
	for name, hs := range g.Handshakes {
		pub, ok := g.pubKeys[name]
		if !ok {
			continue
		}
		rs.Peers[pub] = wgconf.PeerRuntime{
			PublicKey:       pub,
			Endpoint:        "198.51.100.9:40000",
			LatestHandshake: hs,
			RxBytes:         1000,
			TxBytes:         2000,
		}
	}
	return rs, nil
}

// Reload records the call and reports the configured outcome.
func (g *Gateway) Reload(ctx context.Context) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("reload")
	return g.result(), nil
}

// CallCount returns how many calls start with prefix.
func (g *Gateway) CallCount(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
