package wgconf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/org/wirebot/internal/apperr"
)

// HandshakeWindow is how recent a handshake must be for a peer to count as connected.
const HandshakeWindow = 3 * time.Minute

// PeerRuntime is the live daemon state of one peer.
type PeerRuntime struct {
	PublicKey       string
	Endpoint        string
	AllowedIPs      []string
	LatestHandshake time.Time
	RxBytes         uint64
	TxBytes         uint64
}

// Connected reports whether the last handshake is within HandshakeWindow of now.
func (p PeerRuntime) Connected(now time.Time) bool {
	return !p.LatestHandshake.IsZero() && now.Sub(p.LatestHandshake) <= HandshakeWindow
}

// RuntimeStatus is a parsed "wg show <iface> dump".
type RuntimeStatus struct {
	PublicKey  string
	ListenPort string
	Peers      map[string]PeerRuntime
}

// ParseDump parses the tab separated output of "wg show <iface> dump".
// The first line describes the interface; each following line is a peer.
func ParseDump(out string) (*RuntimeStatus, error) {
	rs := &RuntimeStatus{Peers: map[string]PeerRuntime{}}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return rs, nil
	}

	head := strings.Split(lines[0], "\t")
	if len(head) < 3 {
		return nil, fmt.Errorf("%w: interface line has %d fields", apperr.ErrParse, len(head))
	}
	rs.PublicKey = head[1]
	rs.ListenPort = head[2]

	for i, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) < 7 {
			return nil, fmt.Errorf("%w: dump line %d has %d fields", apperr.ErrParse, i+2, len(f))
		}
		pr := PeerRuntime{PublicKey: f[0], AllowedIPs: splitList(f[3])}
		if f[2] != "(none)" {
			pr.Endpoint = f[2]
		}
		if hs, err := strconv.ParseInt(f[4], 10, 64); err == nil && hs > 0 {
			pr.LatestHandshake = time.Unix(hs, 0)
		}
		pr.RxBytes, _ = strconv.ParseUint(f[5], 10, 64)
		pr.TxBytes, _ = strconv.ParseUint(f[6], 10, 64)
		rs.Peers[pr.PublicKey] = pr
	}
	return rs, nil
}
