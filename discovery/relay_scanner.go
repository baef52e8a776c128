package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"sealtalk/config"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a relay has not been seen for StaleAfter.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries a discovery update.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay is one announced relay.
type DiscoveredRelay struct {
	RelayID       string
	Instance      string
	Environment   string
	Host          string
	Port          int
	IdentityPort  int
	CAFingerprint string
	Version       int
	HostName      string
	Addresses     []string
	LastSeen      time.Time
}

// Apply points endpoints at the relay. The announced host name wins over the
// first resolved address so TLS server names keep matching.
func (r DiscoveredRelay) Apply(endpoints config.Endpoints) config.Endpoints {
	host := r.Host
	if host == "" && len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	if host == "" {
		return endpoints
	}
	endpoints.XMPPHost = host
	endpoints.XMPPPort = r.Port
	if r.IdentityPort > 0 {
		identityHost := host
		if len(r.Addresses) > 0 {
			identityHost = r.Addresses[0]
		}
		endpoints.IdentityURL = "http://" + net.JoinHostPort(identityHost, strconv.Itoa(r.IdentityPort))
	}
	return endpoints
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse operations.
type RelayScanner struct {
	cfg Config
	log logrus.FieldLogger

	browse browseFunc

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &RelayScanner{
		cfg:             cfg,
		log:             cfg.Logger.WithField("component", "discovery"),
		browse:          browse,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// ListRelays returns the known relays ordered by instance name.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredRelay, 0, len(s.relays))
	for _, relay := range s.relays {
		out = append(out, relay)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

// Find returns the first known relay of environment, or false.
func (s *RelayScanner) Find(environment string) (DiscoveredRelay, bool) {
	for _, relay := range s.ListRelays() {
		if environment == "" || relay.Environment == environment {
			return relay, true
		}
	}
	return DiscoveredRelay{}, false
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	if err := s.runScan(context.Background()); err != nil {
		s.log.WithError(err).Debug("initial scan failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.log.WithError(err).Debug("scan failed")
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	seen := collected
	collectedMu.Unlock()

	s.applyScan(seen, time.Now())
	return nil
}

// applyScan merges one scan. Relays missing from the scan are kept until
// they have not been seen for StaleAfter.
func (s *RelayScanner) applyScan(seen map[string]DiscoveredRelay, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, relay := range seen {
		old, exists := s.relays[id]
		s.relays[id] = relay
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range s.relays {
		if _, fresh := seen[id]; fresh {
			continue
		}
		if now.Sub(relay.LastSeen) >= s.cfg.StaleAfter {
			delete(s.relays, id)
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt[txtRelayID])
	if relayID == "" || entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		instance = strings.TrimSpace(entry.HostName)
	}
	if instance == "" {
		instance = relayID
	}

	return DiscoveredRelay{
		RelayID:       relayID,
		Instance:      instance,
		Environment:   txt[txtEnvironment],
		Host:          txt[txtHost],
		Port:          entry.Port,
		IdentityPort:  atoiOrZero(txt[txtIdentityPort]),
		CAFingerprint: txt[txtCAFingerprint],
		Version:       atoiOrZero(txt[txtVersion]),
		HostName:      entry.HostName,
		Addresses:     addresses,
	}, true
}

func atoiOrZero(raw string) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func relaysEqual(a, b DiscoveredRelay) bool {
	if a.RelayID != b.RelayID ||
		a.Instance != b.Instance ||
		a.Environment != b.Environment ||
		a.Host != b.Host ||
		a.Port != b.Port ||
		a.IdentityPort != b.IdentityPort ||
		a.CAFingerprint != b.CAFingerprint ||
		a.Version != b.Version ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
