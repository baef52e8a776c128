package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const credentialsVersion = 1

// Credentials is the key material of one signed-up identity. Its marshaled
// form is the opaque blob kept by the credential store.
type Credentials struct {
	Identity string
	Keys     KeyPair
}

type credentialsBlob struct {
	Version  int    `json:"v"`
	Identity string `json:"identity"`
	Seed     []byte `json:"seed"`
}

// Marshal encodes credentials into their opaque persisted form.
func (c Credentials) Marshal() ([]byte, error) {
	if strings.TrimSpace(c.Identity) == "" {
		return nil, errors.New("credentials identity is required")
	}
	if len(c.Keys.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("credentials private key is required")
	}
	raw, err := json.Marshal(credentialsBlob{
		Version:  credentialsVersion,
		Identity: c.Identity,
		Seed:     c.Keys.Private.Seed(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return raw, nil
}

// ParseCredentials decodes an opaque credentials blob.
func ParseCredentials(raw []byte) (Credentials, error) {
	var blob credentialsBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return Credentials{}, newError(KindInvalidCredentials, "parse credentials", err)
	}
	if blob.Version != credentialsVersion {
		return Credentials{}, newError(KindInvalidCredentials, "parse credentials", fmt.Errorf("unsupported version %d", blob.Version))
	}
	if strings.TrimSpace(blob.Identity) == "" {
		return Credentials{}, newError(KindInvalidCredentials, "parse credentials", errors.New("missing identity"))
	}
	keys, err := KeyPairFromSeed(blob.Seed)
	if err != nil {
		return Credentials{}, newError(KindInvalidCredentials, "parse credentials", err)
	}
	return Credentials{Identity: blob.Identity, Keys: keys}, nil
}
