package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"

	"golang.org/x/crypto/ssh"
)

// loadSigner reads an operator SSH private key from path. When path is
// empty (no SSH_PRIVATE_KEY_PATH configured) it generates an ephemeral
// ed25519 key for the process lifetime — enough to drive sync/snapshot/
// checkpoint operations against throwaway dev instances, but useless
// against any real provider host, since nothing ever installs its public
// half into an authorized_keys file.
func loadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(priv)
	}

	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(keyBytes)
}
