package transport

// keys.go is a facade over crypto/ed25519 and x/crypto/ssh for the key
// formats needed to authenticate outbound SSH connections (to the remote
// host) and to mint per-pod deploy keys (Repository Integrator).

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ED25519KeyPair is a generated keypair along with its OpenSSH-formatted
// representations, ready to write to disk or hand to an ssh.ClientConfig.
type ED25519KeyPair struct {
	PublicKey   ssh.PublicKey
	Signer      ssh.Signer
	PublicPEM   []byte // authorized_keys format
	PrivatePEM  []byte // OpenSSH PEM format
	Fingerprint string
}

// NewED25519KeyPair generates a fresh ed25519 keypair and marshals it to
// the formats callers typically need: an authorized_keys line, an OpenSSH
// private key PEM block, and its SHA256 fingerprint.
func NewED25519KeyPair(comment string) (*ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("converting private key to signer: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	return &ED25519KeyPair{
		PublicKey:   sshPub,
		Signer:      signer,
		PublicPEM:   ssh.MarshalAuthorizedKey(sshPub),
		PrivatePEM:  pem.EncodeToMemory(block),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
	}, nil
}

// ParsePrivateKey parses a PEM-encoded OpenSSH private key into a Signer,
// used when the host credential is supplied as raw bytes from config.
func ParsePrivateKey(pemBytes []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH private key: %w", err)
	}
	return signer, nil
}
