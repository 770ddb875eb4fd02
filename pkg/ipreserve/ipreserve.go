// Package ipreserve is the IP Reservation Manager (§4.8): it hands out
// self-contained, HMAC-signed IP reservation tokens so a client can
// learn a distributed-training master's address before any worker task
// starts, without a round trip back through the Host to resolve it.
package ipreserve

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/metrics"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/rs/zerolog"
)

// payload is the signed reservation contract: the triple a validator
// must recheck against the live table before honoring a token.
type payload struct {
	IP       string    `json:"ip"`
	RunnerID int       `json:"runner"`
	Expires  time.Time `json:"exp"`
}

// reservation is the in-memory record backing a live token.
type reservation struct {
	payload
	ID string
}

// Manager issues and validates IP reservation tokens for a runner's
// overlay subnet. The live table is entirely in-memory per §4.8; a
// best-effort audit trail of issued tokens survives restarts in the
// durable store (see store.AppendIPReservationAudit).
type Manager struct {
	secret []byte
	store  *store.RaftStore
	logger zerolog.Logger

	mu           sync.Mutex
	reservations map[string]*reservation // token id -> reservation
	byAddr       map[string]string       // "runnerID/ip" -> token id

	sweepInterval time.Duration
	stopCh        chan struct{}
}

// New builds a Manager. secret signs every issued token; it must be
// stable across a Host's lifetime but need not be shared with runners,
// which never validate tokens themselves.
func New(secret []byte, st *store.RaftStore) *Manager {
	return &Manager{
		secret:        secret,
		store:         st,
		logger:        log.WithComponent("ipreserve"),
		reservations:  make(map[string]*reservation),
		byAddr:        make(map[string]string),
		sweepInterval: 60 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the periodic expiry sweep.
func (m *Manager) Start() { go m.run() }

// Stop terminates the periodic expiry sweep.
func (m *Manager) Stop() { close(m.stopCh) }

func (m *Manager) run() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Reserve picks a free address out of subnet (excluding the gateway
// address and the host-on-runner-subnet address) for runnerID, reserves
// it for ttl, and returns the signed token.
func (m *Manager) Reserve(subnet *net.IPNet, gateway, runnerAddr net.IP, runnerID int, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	ip, err := m.pickFreeLocked(subnet, gateway, runnerAddr, runnerID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	p := payload{IP: ip.String(), RunnerID: runnerID, Expires: now.Add(ttl)}
	token, err := sign(m.secret, p)
	if err != nil {
		return "", fmt.Errorf("sign reservation token: %w", err)
	}

	id := tokenID(token)
	m.reservations[id] = &reservation{payload: p, ID: id}
	m.byAddr[addrKey(runnerID, ip.String())] = id

	metrics.IPReservationsActive.Inc()
	if m.store != nil {
		if err := m.store.AppendIPReservationAudit(&types.IPReservationAudit{
			ID: id, IP: p.IP, RunnerID: runnerID, IssuedAt: now, ExpiresAt: p.Expires,
		}); err != nil {
			m.logger.Error().Err(err).Msg("failed to append ip reservation audit record")
		}
	}
	m.logger.Info().Str("ip", p.IP).Int("runner_id", runnerID).Time("expires", p.Expires).Msg("ip reserved")

	return token, nil
}

// Validate decodes token, verifies its signature, checks it has not
// expired, and re-checks that (ip, runner) still matches the live
// reservation table — a reservation that was already swept or never
// existed fails validation even with a correctly-signed token.
func (m *Manager) Validate(token string) (ip string, runnerID int, err error) {
	p, err := verify(m.secret, token)
	if err != nil {
		return "", 0, err
	}
	if time.Now().After(p.Expires) {
		return "", 0, fmt.Errorf("reservation token expired at %s", p.Expires)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	id := tokenID(token)
	res, ok := m.reservations[id]
	if !ok {
		return "", 0, fmt.Errorf("reservation no longer present")
	}
	if res.IP != p.IP || res.RunnerID != p.RunnerID {
		return "", 0, fmt.Errorf("reservation mismatch")
	}
	return res.IP, res.RunnerID, nil
}

// Release drops a reservation immediately, ahead of its natural expiry
// — used once the scheduler has consumed the token and handed the
// address to a runner for container creation.
func (m *Manager) Release(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := tokenID(token)
	if res, ok := m.reservations[id]; ok {
		delete(m.byAddr, addrKey(res.RunnerID, res.IP))
		delete(m.reservations, id)
		metrics.IPReservationsActive.Dec()
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

func (m *Manager) sweepLocked() {
	now := time.Now()
	for id, res := range m.reservations {
		if now.After(res.Expires) {
			delete(m.byAddr, addrKey(res.RunnerID, res.IP))
			delete(m.reservations, id)
			metrics.IPReservationsActive.Dec()
			metrics.IPReservationsExpiredTotal.Inc()
		}
	}
}

// pickFreeLocked walks subnet for the first address that is neither
// the network/broadcast address, the gateway, the runner's own
// host-on-subnet address, nor already reserved.
func (m *Manager) pickFreeLocked(subnet *net.IPNet, gateway, runnerAddr net.IP, runnerID int) (net.IP, error) {
	ip := subnet.IP.Mask(subnet.Mask)
	for {
		ip = nextIP(ip)
		if !subnet.Contains(ip) {
			break
		}
		if ip.Equal(gateway) || ip.Equal(runnerAddr) {
			continue
		}
		if isBroadcast(ip, subnet) {
			continue
		}
		if _, taken := m.byAddr[addrKey(runnerID, ip.String())]; taken {
			continue
		}
		return append(net.IP{}, ip...), nil
	}
	return nil, fmt.Errorf("no free address in subnet %s for runner %d", subnet, runnerID)
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func isBroadcast(ip net.IP, subnet *net.IPNet) bool {
	broadcast := make(net.IP, len(subnet.IP))
	for i := range subnet.IP {
		broadcast[i] = subnet.IP[i] | ^subnet.Mask[i]
	}
	return ip.Equal(broadcast)
}

func addrKey(runnerID int, ip string) string {
	return fmt.Sprintf("%d/%s", runnerID, ip)
}

func tokenID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

func sign(secret []byte, p payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	buf := make([]byte, 0, len(data)+len(sig)+2)
	buf = append(buf, byte(len(data)>>8), byte(len(data)))
	buf = append(buf, data...)
	buf = append(buf, sig...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func verify(secret []byte, token string) (payload, error) {
	buf, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return payload{}, fmt.Errorf("decode token: %w", err)
	}
	if len(buf) < 2 {
		return payload{}, fmt.Errorf("malformed token")
	}
	dataLen := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+dataLen+sha256.Size {
		return payload{}, fmt.Errorf("malformed token")
	}
	data := buf[2 : 2+dataLen]
	sig := buf[2+dataLen:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return payload{}, fmt.Errorf("invalid token signature")
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return payload{}, fmt.Errorf("decode token payload: %w", err)
	}
	return p, nil
}

// GenerateSecret produces a fresh random process secret suitable for
// New, sized for HMAC-SHA256 (32 bytes).
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate ip reservation secret: %w", err)
	}
	return secret, nil
}
