// Package pemfile creates and loads the SSH host key.
package pemfile

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"

	"github.com/thalynlabs/mudscape"

	gossh "golang.org/x/crypto/ssh"
)

type KeyParams struct {
	Comment       string
	KeyPath       string
	SSHPubKeyPath string
}

// Generate writes a new ed25519 key pair, the private key as OpenSSH PEM
// and the public key in authorized_keys format.
func (k KeyParams) Generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return mudscape.WithStack(err)
	}
	block, err := gossh.MarshalPrivateKey(priv, k.Comment)
	if err != nil {
		return mudscape.WithStack(err)
	}
	if err := os.WriteFile(k.KeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return mudscape.WithStack(err)
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return mudscape.WithStack(err)
	}
	if err := os.WriteFile(k.SSHPubKeyPath, gossh.MarshalAuthorizedKey(sshPub), 0600); err != nil {
		return mudscape.WithStack(err)
	}
	return nil
}

// Signer loads the private key, generating the pair first if it is
// missing. It reports whether a new key was generated.
func (k KeyParams) Signer() (gossh.Signer, bool, error) {
	generated := false
	b, err := os.ReadFile(k.KeyPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := k.Generate(); err != nil {
			return nil, false, err
		}
		generated = true
		b, err = os.ReadFile(k.KeyPath)
	}
	if err != nil {
		return nil, false, mudscape.WithStack(err)
	}
	signer, err := gossh.ParsePrivateKey(b)
	if err != nil {
		return nil, false, mudscape.WithStack(err)
	}
	return signer, generated, nil
}
