package signing

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) (armoredPrivate, armoredPublic string) {
	t.Helper()

	entity, err := openpgp.NewEntity("IPBO Test", "", "ipbo-test@example.invalid", nil)
	require.NoError(t, err)

	var privBuf bytes.Buffer

	privWriter, err := armor.Encode(&privBuf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(privWriter, nil))
	require.NoError(t, privWriter.Close())

	var pubBuf bytes.Buffer

	pubWriter, err := armor.Encode(&pubBuf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(pubWriter))
	require.NoError(t, pubWriter.Close())

	return privBuf.String(), pubBuf.String()
}

func TestLoadSigningKeyAndSignRelease(t *testing.T) {
	t.Parallel()

	armoredPrivate, armoredPublic := generateTestKeyPair(t)

	keyring := NewKeyring()
	require.NoError(t, keyring.LoadSigningKey(armoredPrivate, nil))
	require.True(t, keyring.HasSigner())

	release := "Origin: IPBO\nSuite: unstable\n"

	signature, err := keyring.SignRelease(strings.NewReader(release))
	require.NoError(t, err)
	require.Contains(t, signature, "BEGIN PGP SIGNATURE")

	trusted := NewKeyring()
	require.NoError(t, trusted.ImportKey(armoredPublic))

	entity, err := trusted.VerifyDetached(strings.NewReader(release), strings.NewReader(signature))
	require.NoError(t, err)
	require.NotNil(t, entity)
}

func TestSignReleaseWithoutKeyFails(t *testing.T) {
	t.Parallel()

	keyring := NewKeyring()
	require.False(t, keyring.HasSigner())

	_, err := keyring.SignRelease(strings.NewReader("Origin: IPBO\n"))
	require.Error(t, err)
}

func TestImportKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	keyring := NewKeyring()
	err := keyring.ImportKey("this is not a key in any known format")
	require.Error(t, err)
}

func TestImportKeyAcceptsBase64Fallback(t *testing.T) {
	t.Parallel()

	_, armoredPublic := generateTestKeyPair(t)

	block, err := armor.Decode(strings.NewReader(armoredPublic))
	require.NoError(t, err)

	var raw bytes.Buffer

	_, err = raw.ReadFrom(block.Body)
	require.NoError(t, err)

	keyring := NewKeyring()
	err = keyring.ImportKey(base64.StdEncoding.EncodeToString(raw.Bytes()))
	require.NoError(t, err)
	require.Len(t, keyring.TrustedKeys(), 1)
}
