package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment selects one backend deployment.
type Environment string

const (
	EnvProd    Environment = "prod"
	EnvStaging Environment = "stg"
	EnvDev     Environment = "dev"
)

// DefaultXMPPPort is the transport port used when no override exists.
const DefaultXMPPPort = 5222

// Endpoints are the server addresses of one environment.
type Endpoints struct {
	Environment Environment
	IdentityURL string
	XMPPHost    string
	XMPPPort    int
	CABundle    string
}

// XMPPAddress returns host:port of the messaging server.
func (e Endpoints) XMPPAddress() string {
	return net.JoinHostPort(e.XMPPHost, strconv.Itoa(e.XMPPPort))
}

var defaultEndpoints = map[Environment]Endpoints{
	EnvProd: {
		Environment: EnvProd,
		IdentityURL: "https://identity.sealtalk.io",
		XMPPHost:    "xmpp.sealtalk.io",
		XMPPPort:    DefaultXMPPPort,
	},
	EnvStaging: {
		Environment: EnvStaging,
		IdentityURL: "https://identity-stg.sealtalk.io",
		XMPPHost:    "xmpp-stg.sealtalk.io",
		XMPPPort:    DefaultXMPPPort,
	},
	EnvDev: {
		Environment: EnvDev,
		IdentityURL: "http://localhost:8088",
		XMPPHost:    "localhost",
		XMPPPort:    DefaultXMPPPort,
	},
}

// ParseEnvironment maps user input to an Environment. Empty input means prod.
func ParseEnvironment(value string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "prod", "production":
		return EnvProd, nil
	case "stg", "staging":
		return EnvStaging, nil
	case "dev", "development":
		return EnvDev, nil
	default:
		return "", fmt.Errorf("unknown environment %q", value)
	}
}

// SplitUsername separates an optional environment suffix from a username:
// "alice@dev" is alice on dev, "alice" is alice on prod.
func SplitUsername(username string) (string, Environment) {
	name, suffix, found := strings.Cut(strings.TrimSpace(username), "@")
	if !found {
		return name, EnvProd
	}
	env, err := ParseEnvironment(suffix)
	if err != nil {
		return username, EnvProd
	}
	return name, env
}

// LoadDotEnv loads a .env file into the process environment when it exists.
// Variables already set win over the file.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// EndpointsFor returns the endpoints of env with SEALTALK_<ENV>_* overrides applied.
func EndpointsFor(env Environment) (Endpoints, error) {
	endpoints, ok := defaultEndpoints[env]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown environment %q", env)
	}

	prefix := "SEALTALK_" + strings.ToUpper(string(env)) + "_"
	endpoints.IdentityURL = getEnv(prefix+"IDENTITY_URL", endpoints.IdentityURL)
	endpoints.XMPPHost = getEnv(prefix+"XMPP_HOST", endpoints.XMPPHost)
	endpoints.CABundle = getEnv(prefix+"CA_BUNDLE", endpoints.CABundle)

	if raw := os.Getenv(prefix + "XMPP_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoints{}, fmt.Errorf("invalid %sXMPP_PORT %q", prefix, raw)
		}
		endpoints.XMPPPort = port
	}

	return endpoints, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
