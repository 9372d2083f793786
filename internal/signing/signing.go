// Package signing produces the detached armored signature of the ephemeral
// archive's Release file, and imports user-supplied keys into a session's
// trusted keyring. It wraps github.com/ProtonMail/go-crypto/openpgp, already
// present transitively via go-git's own signing support; this package is
// what exercises it directly.
package signing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
)

var log = ipbolog.New("signing")

// Keyring holds the private signing key (if any) and the set of trusted
// public keys a session's Dependency Resolver will accept for the ephemeral
// archive and any extra repositories.
type Keyring struct {
	signer  *openpgp.Entity
	trusted openpgp.EntityList
}

// NewKeyring returns an empty keyring with no signer and no trusted keys.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// LoadSigningKey reads an armored private key and its passphrase (empty if
// the key is unprotected) and sets it as the keyring's signer, used to
// produce the ephemeral archive's Release signature.
func (k *Keyring) LoadSigningKey(armoredKey string, passphrase []byte) error {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return fmt.Errorf("signing: read signing key: %w", err)
	}

	if len(entities) == 0 {
		return fmt.Errorf("signing: armored key contained no entities")
	}

	entity := entities[0]

	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return fmt.Errorf("signing: signing key is passphrase-protected but none was supplied")
		}

		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("signing: decrypt signing key: %w", err)
		}

		for _, subkey := range entity.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
					return fmt.Errorf("signing: decrypt signing subkey: %w", err)
				}
			}
		}
	}

	k.signer = entity

	log.Debug("signing key loaded", "keyid", entity.PrimaryKey.KeyIdShortString())

	return nil
}

// ImportKey adds a trusted public key to the session keyring. The key
// argument may be armored ASCII or, when no gpg/gpgv is present in the
// session to perform the conversion, a raw base64 block of the binary
// OpenPGP packet stream — this function tries armored first and falls back
// to a direct base64 decode.
func (k *Keyring) ImportKey(key string) error {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(key))
	if err != nil {
		entities, err = importBase64Key(key)
		if err != nil {
			return fmt.Errorf("signing: import trusted key: %w", err)
		}
	}

	k.trusted = append(k.trusted, entities...)

	for _, e := range entities {
		log.Debug("trusted key imported", "keyid", e.PrimaryKey.KeyIdShortString())
	}

	return nil
}

// importBase64Key decodes a raw base64 block of a binary OpenPGP key, the
// fallback path used when the session has no gpg/gpgv available to convert
// an armored key itself.
func importBase64Key(block string) (openpgp.EntityList, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(block))
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}

	entities, err := openpgp.ReadKeyRing(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("not a valid binary keyring: %w", err)
	}

	return entities, nil
}

// TrustedKeys returns the keyring's trusted public keys.
func (k *Keyring) TrustedKeys() openpgp.EntityList {
	return k.trusted
}

// HasSigner reports whether a signing key has been loaded.
func (k *Keyring) HasSigner() bool {
	return k.signer != nil
}

// SignRelease produces a detached, ASCII-armored signature of the ephemeral
// archive's Release bytes, the Release.gpg-style signature apt's
// sources.list entry for the ephemeral repo verifies against.
func (k *Keyring) SignRelease(release io.Reader) (string, error) {
	if k.signer == nil {
		return "", fmt.Errorf("signing: no signing key loaded")
	}

	var buf bytes.Buffer

	if err := openpgp.ArmoredDetachSign(&buf, k.signer, release, nil); err != nil {
		return "", fmt.Errorf("signing: detach sign release: %w", err)
	}

	return buf.String(), nil
}

// VerifyDetached checks a detached armored signature against the signed
// bytes using the keyring's trusted key set, used when an extra repository
// configured by the job supplies its own Release.gpg.
func (k *Keyring) VerifyDetached(signed io.Reader, signature io.Reader) (*openpgp.Entity, error) {
	block, err := armor.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("signing: decode signature armor: %w", err)
	}

	entity, err := openpgp.CheckDetachedSignature(k.trusted, signed, block.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("signing: verify detached signature: %w", err)
	}

	return entity, nil
}
