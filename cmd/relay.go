package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sealtalk/config"
	"sealtalk/discovery"
	"sealtalk/identity"
	"sealtalk/network"
)

// relayCmd runs a development relay together with an identity service.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a development relay and identity service",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger := logrus.StandardLogger()
		domain := viper.GetString("relay." + domainFlag)

		tlsConfig, caPEM := relayTLS(domain)

		identityListener, err := net.Listen("tcp", viper.GetString("relay."+identityListenFlag))
		if err != nil {
			logrus.Fatalf("Failed to listen for identity service: %+v", err)
		}
		identityServer := &http.Server{
			Handler:           identity.NewServer(logger).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := identityServer.Serve(identityListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("identity service stopped")
			}
		}()
		identityPort := identityListener.Addr().(*net.TCPAddr).Port

		options := network.RelayOptions{
			Address:     viper.GetString("relay." + listenFlag),
			HTTPAddress: viper.GetString("relay." + httpListenFlag),
			PublicURL:   viper.GetString("relay." + publicURLFlag),
			TLSConfig:   tlsConfig,
			Domain:      domain,
			Logger:      logger,
		}
		if options.PublicURL == "" {
			options.PublicURL = defaultPublicURL(domain, options.HTTPAddress)
		}
		if viper.GetBool("relay." + verifyKeysFlag) {
			keys, err := identity.NewClient("http://"+net.JoinHostPort("127.0.0.1", strconv.Itoa(identityPort)), "")
			if err != nil {
				logrus.Fatalf("Failed to build identity client: %+v", err)
			}
			options.Keys = keys
		}

		relay, err := network.ListenRelay(options)
		if err != nil {
			logrus.Fatalf("Failed to start relay: %+v", err)
		}
		go func() {
			for err := range relay.Errors() {
				logrus.WithError(err).Warn("relay error")
			}
		}()

		var announcer *discovery.Announcer
		if viper.GetBool("relay." + announceFlag) {
			announcer = announceRelay(relay, domain, identityPort, caPEM)
		}

		fmt.Printf("Relay listening on %s for domain %s\n", relay.Addr(), domain)
		fmt.Printf("Uploads and metrics at %s\n", relay.PublicURL())
		fmt.Printf("Identity service at http://%s\n", identityListener.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		logrus.Info("shutting down relay")
		announcer.Stop()
		_ = relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = identityServer.Shutdown(shutdownCtx)
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List relays announced on the local network",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if watch, _ := cmd.Flags().GetBool(watchFlag); watch {
			watchRelays()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), discovery.DefaultScanTimeout+time.Second)
		defer cancel()

		relays, err := discovery.Lookup(ctx, discovery.Config{Logger: logrus.StandardLogger()})
		if err != nil {
			logrus.Fatalf("Discovery failed: %+v", err)
		}
		if len(relays) == 0 {
			fmt.Println("No relays found")
			return
		}
		for _, relay := range relays {
			fmt.Println(formatRelay(relay))
		}
	},
}

// watchRelays prints relay discovery events until interrupted.
func watchRelays() {
	scanner, err := discovery.NewRelayScanner(discovery.Config{Logger: logrus.StandardLogger()})
	if err != nil {
		logrus.Fatalf("Failed to start discovery: %+v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := scanner.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case discovery.EventRelayUpserted:
				fmt.Println("available: " + formatRelay(event.Relay))
			case discovery.EventRelayRemoved:
				fmt.Printf("removed: %s [%s]\n", event.Relay.Instance, event.Relay.RelayID)
			}
		}
	}
}

func formatRelay(relay discovery.DiscoveredRelay) string {
	endpoints := relay.Apply(config.Endpoints{})
	return fmt.Sprintf("%s [%s] %s identity=%s env=%s",
		relay.Instance, relay.RelayID, endpoints.XMPPAddress(), endpoints.IdentityURL, relay.Environment)
}

// relayTLS loads --cert/--key or generates a self-signed certificate. The
// returned PEM is the CA clients should trust.
func relayTLS(domain string) (*tls.Config, []byte) {
	certPath := viper.GetString("relay." + certFlag)
	keyPath := viper.GetString("relay." + keyFlag)

	if certPath != "" || keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			logrus.Fatalf("Failed to load relay certificate: %+v", err)
		}
		caPEM, err := os.ReadFile(certPath)
		if err != nil {
			logrus.Fatalf("Failed to read relay certificate: %+v", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, caPEM
	}

	hosts := []string{domain, "localhost", "127.0.0.1", "::1"}
	if hostname, err := os.Hostname(); err == nil {
		hosts = append(hosts, hostname, hostname+".local")
	}
	cert, caPEM, err := devCertificate(hosts)
	if err != nil {
		logrus.Fatalf("Failed to generate relay certificate: %+v", err)
	}

	caOut := viper.GetString("relay." + caOutFlag)
	if caOut == "" {
		dataDir, err := config.ResolveDataDir()
		if err != nil {
			logrus.Fatalf("Failed to resolve data directory: %+v", err)
		}
		caOut = filepath.Join(dataDir, "relay-ca.pem")
	}
	if err := os.MkdirAll(filepath.Dir(caOut), 0o700); err != nil {
		logrus.Fatalf("Failed to create CA directory: %+v", err)
	}
	if err := os.WriteFile(caOut, caPEM, 0o600); err != nil {
		logrus.Fatalf("Failed to write CA bundle: %+v", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "relayTLS",
		"ca":       caOut,
	}).Infof("generated self-signed certificate, set SEALTALK_DEV_CA_BUNDLE=%s on clients", caOut)

	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, caPEM
}

func announceRelay(relay *network.Relay, domain string, identityPort int, caPEM []byte) *discovery.Announcer {
	port := relay.Addr().(*net.TCPAddr).Port
	instance := viper.GetString("relay." + instanceFlag)
	if instance == "" {
		hostname, _ := os.Hostname()
		instance = "sealtalk relay " + hostname
	}
	fingerprint, err := pemFingerprint(caPEM)
	if err != nil {
		logrus.WithError(err).Warn("announcing relay without CA fingerprint")
	}

	announcer, err := discovery.StartAnnouncer(discovery.Config{
		RelayID:       uuid.NewString(),
		Instance:      instance,
		Port:          port,
		Host:          domain,
		Environment:   string(config.EnvDev),
		IdentityPort:  identityPort,
		CAFingerprint: fingerprint,
		Logger:        logrus.StandardLogger(),
	})
	if err != nil {
		logrus.WithError(err).Warn("mDNS announcement failed")
		return nil
	}
	return announcer
}

// defaultPublicURL builds the slot URL base from the domain and the HTTP port.
func defaultPublicURL(domain, httpAddress string) string {
	_, port, err := net.SplitHostPort(httpAddress)
	if err != nil || port == "" || port == "0" {
		return ""
	}
	return "http://" + net.JoinHostPort(domain, port)
}

func init() {
	relayCmd.Flags().String(listenFlag, ":5222",
		"Address of the TLS stanza listener")
	relayCmd.Flags().String(httpListenFlag, ":8089",
		"Address of the upload and metrics HTTP listener")
	relayCmd.Flags().String(identityListenFlag, ":8088",
		"Address of the identity service")
	relayCmd.Flags().String(publicURLFlag, "",
		"Base URL clients use for uploads (defaults to http://<domain>:<http port>)")
	relayCmd.Flags().String(domainFlag, "localhost",
		"Messaging domain; only JIDs in this domain are accepted")
	relayCmd.Flags().String(certFlag, "",
		"TLS certificate PEM file (a self-signed one is generated when empty)")
	relayCmd.Flags().String(keyFlag, "",
		"TLS private key PEM file")
	relayCmd.Flags().String(caOutFlag, "",
		"Where to write the generated CA bundle (defaults to <data dir>/relay-ca.pem)")
	relayCmd.Flags().Bool(announceFlag, true,
		"Announce the relay over mDNS")
	relayCmd.Flags().String(instanceFlag, "",
		"mDNS instance name")
	relayCmd.Flags().Bool(verifyKeysFlag, true,
		"Check presented keys against the identity service instead of pinning the first key")

	for _, name := range []string{listenFlag, httpListenFlag, identityListenFlag, publicURLFlag,
		domainFlag, certFlag, keyFlag, caOutFlag, announceFlag, instanceFlag, verifyKeysFlag} {
		viper.BindPFlag("relay."+name, relayCmd.Flags().Lookup(name))
	}

	discoverCmd.Flags().Bool(watchFlag, false,
		"Keep browsing and print relays as they appear and disappear")

	rootCmd.AddCommand(relayCmd, discoverCmd)
}
