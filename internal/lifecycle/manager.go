// Package lifecycle adds, removes and inspects VPN clients. Every mutation
// goes through the lifecycle script and is confirmed by re-reading the config
// file; the script's exit code alone is never taken as proof.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/gateway"
	"github.com/org/wirebot/internal/wgconf"
	"github.com/org/wirebot/pkg/models"
)

var clientsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "wirebot_clients_total",
	Help: "Managed clients in the last configuration snapshot.",
})

func init() {
	prometheus.MustRegister(clientsTotal)
}

// Gateway is the part of the lifecycle script contract the manager drives.
type Gateway interface {
	Install(ctx context.Context) (gateway.Result, error)
	AddPeer(ctx context.Context, name string, dns []string) (gateway.Result, error)
	RemovePeer(ctx context.Context, name string) (gateway.Result, error)
	ListPeers(ctx context.Context) ([]string, error)
	Status(ctx context.Context) (*wgconf.RuntimeStatus, error)
}

// Manager orchestrates client operations against the config store.
type Manager struct {
	store *wgconf.Store
	gw    Gateway
	log   zerolog.Logger
	now   func() time.Time
}

// NewManager creates a Manager.
func NewManager(store *wgconf.Store, gw Gateway, logger zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		gw:    gw,
		log:   logger.With().Str("component", "lifecycle").Logger(),
		now:   time.Now,
	}
}

// Filter narrows ListClients.
type Filter struct {
	Owner int64 // 0 lists every client
}

func (m *Manager) load(ctx context.Context) (*wgconf.Snapshot, error) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		if wgconf.IsNotInstalled(err) {
			return nil, apperr.ErrNotInstalled
		}
		return nil, err
	}
	clientsTotal.Set(float64(snap.Len()))
	return snap, nil
}

// client builds the model for a peer, resolving its profile file.
func (m *Manager) client(p wgconf.Peer) models.Client {
	c := p.Client()
	if path, ok := m.store.Profiles().Find(p.Name); ok {
		c.ProfilePath = path
		c.ProfileValid = m.store.Profiles().Verify(p.Name, c.PublicKey)
	}
	return c
}

// AddClient creates a client owned by op.
func (m *Manager) AddClient(ctx context.Context, op *models.Operator, name string, dns []string) (*models.Client, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	servers, err := ParseDNS(dns)
	if err != nil {
		return nil, err
	}

	m.store.Lock()
	defer m.store.Unlock()

	snap, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if _, exists := snap.Peer(name); exists {
		return nil, fmt.Errorf("%w: %q", apperr.ErrNameCollision, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := m.gw.AddPeer(ctx, name, servers)
	if err != nil {
		return nil, err
	}

	// From here on the script may have changed the file, so the re-read runs
	// even if the caller has gone away.
	rctx := context.WithoutCancel(ctx)
	fresh, err := m.load(rctx)
	if err != nil {
		return nil, err
	}
	if _, ok := fresh.Peer(name); !ok {
		return nil, m.notApplied("add peer", res)
	}
	m.reconciled("add peer", name, res)

	text, err := fresh.WithPeerMeta(name, op.ID, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.store.Write(rctx, text); err != nil {
		return nil, fmt.Errorf("client %q created but owner tag not saved: %w", name, err)
	}
	final, err := m.load(rctx)
	if err != nil {
		return nil, err
	}
	peer, ok := final.Peer(name)
	if !ok {
		return nil, &apperr.GatewayError{Kind: apperr.ErrGatewayFailure, Op: "add peer", Stderr: "client vanished after tagging"}
	}
	c := m.client(peer)
	m.log.Info().Str("client", name).Int64("owner", op.ID).Msg("client added")
	return &c, nil
}

// RemoveClient deletes a client. Only the bot owner may remove clients it did
// not create.
func (m *Manager) RemoveClient(ctx context.Context, op *models.Operator, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	m.store.Lock()
	defer m.store.Unlock()

	snap, err := m.load(ctx)
	if err != nil {
		return err
	}
	peer, ok := snap.Peer(name)
	if !ok {
		return fmt.Errorf("client %q: %w", name, apperr.ErrNotFound)
	}
	if !op.IsOwner() && peer.Owner != op.ID {
		return fmt.Errorf("%w: client %q belongs to another operator", apperr.ErrNotOwner, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := m.gw.RemovePeer(ctx, name)
	if err != nil {
		return err
	}

	fresh, err := m.load(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if _, still := fresh.Peer(name); still {
		return m.notApplied("remove peer", res)
	}
	m.reconciled("remove peer", name, res)
	m.log.Info().Str("client", name).Int64("by", op.ID).Msg("client removed")
	return nil
}

// notApplied explains why the expected change is missing from the fresh snapshot.
func (m *Manager) notApplied(op string, res gateway.Result) error {
	if err := res.Err(op); err != nil {
		return err
	}
	return &apperr.GatewayError{
		Kind:   apperr.ErrGatewayFailure,
		Op:     op,
		Stdout: res.Stdout,
		Stderr: "script exited 0 but the config file does not reflect the change",
	}
}

// reconciled logs when the file shows the change despite an unsuccessful result.
func (m *Manager) reconciled(op, name string, res gateway.Result) {
	if res.Outcome() != models.OutcomeSucceeded {
		m.log.Warn().
			Str("op", op).
			Str("client", name).
			Str("outcome", string(res.Outcome())).
			Int("exit_code", res.ExitCode).
			Msg("script result contradicted by config file; change is applied")
	}
}

// ListClients returns the clients of a fresh snapshot in file order. The
// sequence is lazy and can be ranged over more than once.
func (m *Manager) ListClients(ctx context.Context, filter Filter) (iter.Seq[models.Client], error) {
	snap, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return func(yield func(models.Client) bool) {
		for _, p := range snap.Peers() {
			if filter.Owner != 0 && p.Owner != filter.Owner {
				continue
			}
			if !yield(m.client(p)) {
				return
			}
		}
	}, nil
}

// GetClient returns one client from a fresh snapshot.
func (m *Manager) GetClient(ctx context.Context, name string) (*models.Client, error) {
	snap, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Peer(name)
	if !ok {
		return nil, fmt.Errorf("client %q: %w", name, apperr.ErrNotFound)
	}
	c := m.client(p)
	return &c, nil
}

// CountOwned counts the clients tagged with the operator's ID.
func (m *Manager) CountOwned(ctx context.Context, operatorID int64) (int, error) {
	snap, err := m.load(ctx)
	if errors.Is(err, apperr.ErrNotInstalled) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range snap.Peers() {
		if p.Owner == operatorID {
			n++
		}
	}
	return n, nil
}

// ClientStatus reports the live state of a configured client. A client the
// daemon does not know about is disconnected, not missing, and so is every
// client while the interface is down.
func (m *Manager) ClientStatus(ctx context.Context, name string) (*models.ClientStatus, error) {
	snap, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Peer(name)
	if !ok {
		return nil, fmt.Errorf("client %q: %w", name, apperr.ErrNotFound)
	}
	st := &models.ClientStatus{Name: name}
	rs, err := m.gw.Status(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("client", name).Msg("runtime status unavailable")
		return st, nil
	}
	if pr, ok := rs.Peers[p.PublicKey()]; ok {
		st.Connected = pr.Connected(m.now())
		st.Endpoint = pr.Endpoint
		st.LastHandshake = pr.LatestHandshake
		st.BytesUp = pr.RxBytes
		st.BytesDown = pr.TxBytes
	}
	return st, nil
}

// ClientProfile returns the client's profile text.
func (m *Manager) ClientProfile(ctx context.Context, name string) ([]byte, error) {
	if _, err := m.GetClient(ctx, name); err != nil {
		return nil, err
	}
	return m.store.Profiles().Read(name)
}

// ServerStatus summarizes the server. Runtime counters are best effort: a
// down interface reports zero traffic rather than failing.
func (m *Manager) ServerStatus(ctx context.Context) (*models.ServerStatus, error) {
	st := &models.ServerStatus{}
	snap, err := m.load(ctx)
	if errors.Is(err, apperr.ErrNotInstalled) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.Installed = true
	st.Endpoint = snap.Endpoint()
	st.ListenPort = snap.Interface("ListenPort")
	st.Address = snap.Interface("Address")
	st.ClientCount = snap.Len()

	if listed, err := m.gw.ListPeers(ctx); err != nil {
		m.log.Warn().Err(err).Msg("script peer list unavailable")
	} else {
		st.Drift = drift(snap, listed)
	}

	rs, err := m.gw.Status(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("runtime status unavailable")
		return st, nil
	}
	st.InterfaceUp = true
	now := m.now()
	for _, p := range snap.Peers() {
		pr, ok := rs.Peers[p.PublicKey()]
		if !ok {
			continue
		}
		if pr.Connected(now) {
			st.ConnectedClients++
		}
		st.TotalBytesUp += pr.RxBytes
		st.TotalBytesDown += pr.TxBytes
	}
	return st, nil
}

// drift returns the names known to only one of the config file and the
// script's own peer list, sorted.
func drift(snap *wgconf.Snapshot, listed []string) []string {
	seen := map[string]bool{}
	for _, n := range listed {
		seen[n] = true
	}
	var out []string
	for _, p := range snap.Peers() {
		if !seen[p.Name] {
			out = append(out, p.Name)
		}
		delete(seen, p.Name)
	}
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Install runs the unattended installer. It refuses when a config already exists.
func (m *Manager) Install(ctx context.Context) error {
	m.store.Lock()
	defer m.store.Unlock()

	if m.store.Exists() {
		return apperr.Validation("wireguard is already installed")
	}
	res, err := m.gw.Install(ctx)
	if err != nil {
		return err
	}
	if _, err := m.load(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, apperr.ErrNotInstalled) {
			return m.notApplied("install", res)
		}
		return err
	}
	m.reconciled("install", "", res)
	m.log.Info().Dur("duration", res.Duration).Msg("wireguard installed")
	return nil
}

// Reassign retags every client owned by from as owned by to. Creation times
// are kept. It returns the names of the clients that moved.
func (m *Manager) Reassign(ctx context.Context, from, to int64) ([]string, error) {
	m.store.Lock()
	defer m.store.Unlock()

	snap, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	var moved []string
	text := snap.Bytes()
	for _, p := range snap.Peers() {
		if p.Owner != from {
			continue
		}
		cur, err := wgconf.Parse(text)
		if err != nil {
			return nil, err
		}
		created := p.CreatedAt
		if created.IsZero() {
			created = m.now()
		}
		if text, err = cur.WithPeerMeta(p.Name, to, created); err != nil {
			return nil, err
		}
		moved = append(moved, p.Name)
	}
	if len(moved) == 0 {
		return nil, nil
	}
	if err := m.store.Write(ctx, text); err != nil {
		return nil, err
	}
	m.log.Info().Int64("from", from).Int64("to", to).Strs("clients", moved).Msg("clients reassigned")
	return moved, nil
}

// Owned returns the names of the clients tagged with operatorID.
func (m *Manager) Owned(ctx context.Context, operatorID int64) ([]string, error) {
	seq, err := m.ListClients(ctx, Filter{Owner: operatorID})
	if err != nil {
		return nil, err
	}
	var names []string
	for c := range seq {
		names = append(names, c.Name)
	}
	return names, nil
}
