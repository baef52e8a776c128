// Package discovery announces a development relay on the local network over
// mDNS and lets clients find it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_sealtalk._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background relay discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

const (
	txtRelayID       = "relay_id"
	txtVersion       = "version"
	txtEnvironment   = "env"
	txtHost          = "host"
	txtIdentityPort  = "identity_port"
	txtCAFingerprint = "ca_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the announcer and the scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// StaleAfter removes relays not seen for this long. Defaults to twice the TTL.
	StaleAfter time.Duration

	// Announced relay.
	RelayID       string
	Instance      string
	Port          int
	Host          string
	Environment   string
	IdentityPort  int
	CAFingerprint string

	Logger logrus.FieldLogger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("relay port must be > 0")
	}
	return nil
}

func (c Config) txtRecords() []string {
	txt := []string{
		txtRelayID + "=" + c.RelayID,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
	if c.Environment != "" {
		txt = append(txt, txtEnvironment+"="+c.Environment)
	}
	if c.Host != "" {
		txt = append(txt, txtHost+"="+c.Host)
	}
	if c.IdentityPort > 0 {
		txt = append(txt, txtIdentityPort+"="+strconv.Itoa(c.IdentityPort))
	}
	if c.CAFingerprint != "" {
		txt = append(txt, txtCAFingerprint+"="+c.CAFingerprint)
	}
	return txt
}

// Announcer advertises a relay via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers the relay service.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"function": "StartAnnouncer",
		"service":  cfg.Service,
		"instance": cfg.Instance,
		"port":     cfg.Port,
	}).Info("announcing relay")
	return &Announcer{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Lookup runs one scan and returns the relays it saw.
func Lookup(ctx context.Context, config Config) ([]DiscoveredRelay, error) {
	scanner, err := NewRelayScanner(config)
	if err != nil {
		return nil, err
	}
	scanner.ctx = ctx
	if err := scanner.runScan(ctx); err != nil {
		return nil, err
	}
	return scanner.ListRelays(), nil
}
