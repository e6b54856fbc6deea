// Package wgconf owns the WireGuard server configuration file.
//
// The file is a header section ([Interface] plus comments such as "# ENDPOINT")
// followed by peer blocks delimited by "# BEGIN_PEER <name>" / "# END_PEER <name>"
// markers. Parsing is order preserving and keeps every unrecognized line, so an
// unmodified Snapshot renders back to the exact bytes it was parsed from.
package wgconf

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/pkg/models"
)

const (
	beginMarker   = "# BEGIN_PEER "
	endMarker     = "# END_PEER "
	ownerTag      = "# OWNER "
	createdTag    = "# CREATED "
	endpointTag   = "# ENDPOINT "
	interfaceHead = "[Interface]"
	peerHead      = "[Peer]"
)

// Field is one "Key = Value" line of a section.
type Field struct {
	Key   string
	Value string
}

// Peer is a managed peer block.
type Peer struct {
	Name      string
	Owner     int64
	CreatedAt time.Time
	Fields    []Field

	lines []string // BEGIN_PEER .. END_PEER inclusive
	after []string // lines up to the next block
}

// Get returns the first value of key within the [Peer] section.
func (p Peer) Get(key string) string {
	for _, f := range p.Fields {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// PublicKey returns the peer's public key.
func (p Peer) PublicKey() string { return p.Get("PublicKey") }

// AllowedIPs returns the peer's address assignments.
func (p Peer) AllowedIPs() []string { return splitList(p.Get("AllowedIPs")) }

// Snapshot is an immutable parse of the configuration file.
type Snapshot struct {
	header          []string
	peers           []Peer
	iface           []Field
	endpoint        string
	unmanaged       int
	trailingNewline bool
	raw             []byte
	digest          string
}

// Parse builds a Snapshot from config text.
func Parse(data []byte) (*Snapshot, error) {
	s := &Snapshot{raw: bytes.Clone(data)}
	sum := blake2b.Sum256(data)
	s.digest = hex.EncodeToString(sum[:])

	text := string(data)
	if strings.HasSuffix(text, "\n") {
		s.trailingNewline = true
		text = strings.TrimSuffix(text, "\n")
	}
	var lines []string
	if text != "" || s.trailingNewline {
		lines = strings.Split(text, "\n")
	}

	var cur *Peer
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, beginMarker):
			if cur != nil {
				return nil, parseErr(i, "BEGIN_PEER %q inside block %q", markerName(trimmed, beginMarker), cur.Name)
			}
			name := markerName(trimmed, beginMarker)
			if name == "" {
				return nil, parseErr(i, "BEGIN_PEER without a name")
			}
			cur = &Peer{Name: name, lines: []string{line}}
		case strings.HasPrefix(trimmed, endMarker):
			if cur == nil {
				return nil, parseErr(i, "END_PEER outside a block")
			}
			if name := markerName(trimmed, endMarker); name != cur.Name {
				return nil, parseErr(i, "END_PEER %q closes block %q", name, cur.Name)
			}
			cur.lines = append(cur.lines, line)
			if err := cur.parseBody(); err != nil {
				return nil, parseErr(i, "%v", err)
			}
			s.peers = append(s.peers, *cur)
			cur = nil
		case cur != nil:
			cur.lines = append(cur.lines, line)
		case len(s.peers) == 0:
			s.header = append(s.header, line)
		default:
			last := &s.peers[len(s.peers)-1]
			last.after = append(last.after, line)
		}
		if cur == nil && trimmed == peerHead {
			s.unmanaged++
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("%w: block %q is not terminated", apperr.ErrParse, cur.Name)
	}
	if err := s.parseHeader(); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) parseHeader() error {
	section := ""
	found := false
	for _, line := range s.header {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, endpointTag):
			s.endpoint = strings.TrimSpace(strings.TrimPrefix(trimmed, endpointTag))
		case strings.HasPrefix(trimmed, "["):
			section = trimmed
			if trimmed == interfaceHead {
				found = true
			}
		case section == interfaceHead:
			if f, ok := parseField(trimmed); ok {
				s.iface = append(s.iface, f)
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: missing %s section", apperr.ErrParse, interfaceHead)
	}
	return nil
}

func (p *Peer) parseBody() error {
	inPeer := false
	for _, line := range p.lines[1 : len(p.lines)-1] {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, ownerTag):
			if id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(trimmed, ownerTag)), 10, 64); err == nil {
				p.Owner = id
			}
		case strings.HasPrefix(trimmed, createdTag):
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(trimmed, createdTag))); err == nil {
				p.CreatedAt = ts
			}
		case trimmed == peerHead:
			inPeer = true
		case strings.HasPrefix(trimmed, "["):
			inPeer = false
		case inPeer:
			if f, ok := parseField(trimmed); ok {
				p.Fields = append(p.Fields, f)
			}
		}
	}
	if p.PublicKey() == "" {
		return fmt.Errorf("peer %q has no PublicKey", p.Name)
	}
	return nil
}

func (s *Snapshot) validate() error {
	names := make(map[string]struct{}, len(s.peers))
	addrs := make(map[netip.Prefix]string)
	for _, p := range s.peers {
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("%w: duplicate peer name %q", apperr.ErrParse, p.Name)
		}
		names[p.Name] = struct{}{}
		for _, a := range p.AllowedIPs() {
			prefix, err := netip.ParsePrefix(a)
			if err != nil {
				continue
			}
			prefix = prefix.Masked()
			if other, dup := addrs[prefix]; dup {
				return fmt.Errorf("%w: address %s assigned to both %q and %q", apperr.ErrParse, prefix, other, p.Name)
			}
			addrs[prefix] = p.Name
		}
	}
	return nil
}

// Render serializes the snapshot. Unmodified snapshots render byte-identical.
func (s *Snapshot) Render() []byte {
	var lines []string
	lines = append(lines, s.header...)
	for _, p := range s.peers {
		lines = append(lines, p.lines...)
		lines = append(lines, p.after...)
	}
	out := strings.Join(lines, "\n")
	if s.trailingNewline {
		out += "\n"
	}
	return []byte(out)
}

// Bytes returns the raw text the snapshot was parsed from.
func (s *Snapshot) Bytes() []byte { return bytes.Clone(s.raw) }

// Digest is the hex blake2b-256 of the raw text.
func (s *Snapshot) Digest() string { return s.digest }

// Peers returns the managed peers in file order.
func (s *Snapshot) Peers() []Peer {
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

// Peer looks up a peer by name.
func (s *Snapshot) Peer(name string) (Peer, bool) {
	for _, p := range s.peers {
		if p.Name == name {
			return p, true
		}
	}
	return Peer{}, false
}

// Len is the number of managed peers.
func (s *Snapshot) Len() int { return len(s.peers) }

// Unmanaged counts [Peer] sections outside BEGIN_PEER/END_PEER markers.
// They are preserved verbatim but never listed.
func (s *Snapshot) Unmanaged() int { return s.unmanaged }

// Endpoint is the public endpoint recorded by the install script.
func (s *Snapshot) Endpoint() string { return s.endpoint }

// Interface returns the first value of key in the [Interface] section.
func (s *Snapshot) Interface(key string) string {
	for _, f := range s.iface {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Client converts a peer into its model form.
func (p Peer) Client() models.Client {
	return models.Client{
		Name:       p.Name,
		PublicKey:  p.PublicKey(),
		HasPSK:     p.Get("PresharedKey") != "",
		AllowedIPs: p.AllowedIPs(),
		Owner:      p.Owner,
		CreatedAt:  p.CreatedAt,
	}
}

// WithPeerMeta returns config text in which the named peer carries the given
// owner and creation tags. Existing tags are replaced.
func (s *Snapshot) WithPeerMeta(name string, owner int64, created time.Time) ([]byte, error) {
	idx := -1
	for i, p := range s.peers {
		if p.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("peer %q: %w", name, apperr.ErrNotFound)
	}

	next := *s
	next.peers = make([]Peer, len(s.peers))
	copy(next.peers, s.peers)

	old := s.peers[idx].lines
	lines := make([]string, 0, len(old)+2)
	lines = append(lines, old[0])
	if owner != 0 {
		lines = append(lines, ownerTag+strconv.FormatInt(owner, 10))
	}
	if !created.IsZero() {
		lines = append(lines, createdTag+created.UTC().Format(time.RFC3339))
	}
	for _, l := range old[1:] {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, ownerTag) || strings.HasPrefix(t, createdTag) {
			continue
		}
		lines = append(lines, l)
	}
	next.peers[idx].lines = lines
	return next.Render(), nil
}

func parseField(line string) (Field, bool) {
	if line == "" || strings.HasPrefix(line, "#") {
		return Field{}, false
	}
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return Field{}, false
	}
	return Field{Key: strings.TrimSpace(k), Value: strings.TrimSpace(v)}, true
}

func markerName(line, marker string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, marker))
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseErr(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", apperr.ErrParse, line+1, fmt.Sprintf(format, args...))
}
