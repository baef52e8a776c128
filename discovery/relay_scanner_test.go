package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

func TestRelayScannerSkipsInvalidEntriesAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		Logger:          quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("", "Anonymous", 5222, "10.0.0.1")
			entries <- testServiceEntry("relay-1", "Alpha", 5222, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("relay-2", "Beta", 5223, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	relays := scanner.ListRelays()
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays after refresh, got %d", len(relays))
	}
	if relays[0].Instance != "Alpha" || relays[1].Instance != "Beta" {
		t.Fatalf("unexpected relay order: %+v", relays)
	}
	if relays[1].Environment != "dev" || relays[1].Port != 5223 {
		t.Fatalf("unexpected relay record: %+v", relays[1])
	}
}

func TestRelayScannerRemovesStaleRelays(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		StaleAfter:      80 * time.Millisecond,
		Logger:          quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "Alpha", 5222, "10.0.0.2")
			}
			entries <- testServiceEntry("relay-2", "Beta", 5222, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewRelayScanner(cfg)
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		relays := scanner.ListRelays()
		return len(relays) == 1 && relays[0].RelayID == "relay-2"
	})

	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", 2*time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
}

func TestRelayScannerFindByEnvironment(t *testing.T) {
	scanner, err := NewRelayScanner(Config{
		Logger: quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}

	now := time.Now()
	scanner.applyScan(map[string]DiscoveredRelay{
		"a": {RelayID: "a", Instance: "A", Environment: "stg", LastSeen: now},
		"b": {RelayID: "b", Instance: "B", Environment: "dev", LastSeen: now},
	}, now)

	relay, ok := scanner.Find("dev")
	if !ok || relay.RelayID != "b" {
		t.Fatalf("expected dev relay b, got %+v (found=%v)", relay, ok)
	}
	if _, ok := scanner.Find("prod"); ok {
		t.Fatalf("expected no prod relay")
	}
	if relay, ok := scanner.Find(""); !ok || relay.RelayID != "a" {
		t.Fatalf("expected first relay for any environment, got %+v", relay)
	}
}

func TestRefreshBeforeStartFails(t *testing.T) {
	scanner, err := NewRelayScanner(Config{
		Logger: quietLogger(),
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewRelayScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh on an unstarted scanner to fail")
	}
}

func testServiceEntry(relayID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	text := []string{
		"version=1",
		"env=dev",
	}
	if relayID != "" {
		text = append(text, "relay_id="+relayID)
	}
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text:     text,
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
