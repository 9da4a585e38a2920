// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package scrape

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gleaner-foundation/gleaner/lib/sealed"
	"github.com/gleaner-foundation/gleaner/lib/secret"
)

// ErrNoCredential marks a vault lookup for an account nobody has
// logged in. Callers surface it as AuthExpiredError.
var ErrNoCredential = errors.New("scrape: no credential stored")

// Vault stores provider credentials as age-sealed files,
// <dir>/<provider>/<account>.cred, encrypted to the daemon's key.
// Plaintext exists only in mlocked buffers while a scrape call needs
// it.
type Vault struct {
	dir       string
	identity  *secret.Buffer
	recipient string
}

// OpenVault loads the daemon's age identity and prepares the
// credential directory.
func OpenVault(dir, identityPath string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("scrape: vault directory is required")
	}

	identity, err := secret.ReadFromPath(identityPath)
	if err != nil {
		return nil, fmt.Errorf("scrape: reading vault identity: %w", err)
	}
	recipient, err := sealed.Recipient(identity)
	if err != nil {
		identity.Close()
		return nil, fmt.Errorf("scrape: vault identity: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		identity.Close()
		return nil, fmt.Errorf("scrape: creating vault directory: %w", err)
	}

	return &Vault{dir: dir, identity: identity, recipient: recipient}, nil
}

// Close releases the identity's protected memory.
func (v *Vault) Close() error {
	return v.identity.Close()
}

// Recipient returns the public key credentials are sealed to.
func (v *Vault) Recipient() string {
	return v.recipient
}

// Store seals a credential and writes it for a provider account,
// replacing any previous one. The plaintext slice is zeroed before
// Store returns.
func (v *Vault) Store(provider, account string, credential []byte) error {
	defer secret.Zero(credential)

	path, err := v.path(provider, account)
	if err != nil {
		return err
	}
	if len(credential) == 0 {
		return fmt.Errorf("scrape: empty credential for %s/%s", provider, account)
	}

	ciphertext, err := sealed.Encrypt(credential, []string{v.recipient})
	if err != nil {
		return fmt.Errorf("scrape: sealing credential for %s/%s: %w", provider, account, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("scrape: creating provider directory: %w", err)
	}
	// Write-then-rename so a crash never leaves a half-written
	// credential behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(ciphertext), 0o600); err != nil {
		return fmt.Errorf("scrape: writing credential for %s/%s: %w", provider, account, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("scrape: writing credential for %s/%s: %w", provider, account, err)
	}
	return nil
}

// Credential unseals the stored credential for a provider account
// into a protected buffer. The caller must Close it when the call
// that needed it finishes.
func (v *Vault) Credential(provider, account string) (*secret.Buffer, error) {
	path, err := v.path(provider, account)
	if err != nil {
		return nil, err
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w for %s/%s", ErrNoCredential, provider, account)
		}
		return nil, fmt.Errorf("scrape: reading credential for %s/%s: %w", provider, account, err)
	}

	plaintext, err := sealed.Decrypt(string(ciphertext), v.identity)
	if err != nil {
		return nil, fmt.Errorf("scrape: unsealing credential for %s/%s: %w", provider, account, err)
	}
	return plaintext, nil
}

// Remove deletes a stored credential. Removing an absent credential
// is not an error.
func (v *Vault) Remove(provider, account string) error {
	path, err := v.path(provider, account)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("scrape: removing credential for %s/%s: %w", provider, account, err)
	}
	return nil
}

// List returns the stored accounts per provider, sorted.
func (v *Vault) List() (map[string][]string, error) {
	providers, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, fmt.Errorf("scrape: listing vault: %w", err)
	}

	accounts := make(map[string][]string)
	for _, providerEntry := range providers {
		if !providerEntry.IsDir() {
			continue
		}
		provider := providerEntry.Name()
		entries, err := os.ReadDir(filepath.Join(v.dir, provider))
		if err != nil {
			return nil, fmt.Errorf("scrape: listing vault provider %s: %w", provider, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".cred") {
				continue
			}
			accounts[provider] = append(accounts[provider], strings.TrimSuffix(name, ".cred"))
		}
		sort.Strings(accounts[provider])
	}
	return accounts, nil
}

// path validates the name pair and returns the credential file path.
// Names become path elements, so separators and dot names are
// rejected.
func (v *Vault) path(provider, account string) (string, error) {
	for _, name := range []string{provider, account} {
		if name == "" || name == "." || name == ".." ||
			strings.ContainsAny(name, `/\`) {
			return "", fmt.Errorf("scrape: invalid credential name %q", name)
		}
	}
	return filepath.Join(v.dir, provider, account+".cred"), nil
}
