package dcmrelay_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/dcmshare/dcmrelay"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) dcmrelay.StudyKey {
	t.Helper()
	var k dcmrelay.StudyKey
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := randomKey(t)
	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "empty", plaintext: []byte{}},
		{name: "short", plaintext: []byte("fish")},
		{name: "large", plaintext: bytes.Repeat([]byte{0x42, 0x00, 0x17}, 1<<16)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			blob, err := dcmrelay.Encrypt(test.plaintext, key[:])
			require.NoError(t, err)
			require.Len(t, blob, 24+16+len(test.plaintext))

			got, err := dcmrelay.Decrypt(blob, key[:])
			require.NoError(t, err)
			require.True(t, bytes.Equal(test.plaintext, got))
		})
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	key := randomKey(t)
	a, err := dcmrelay.Encrypt([]byte("lobster"), key[:])
	require.NoError(t, err)
	b, err := dcmrelay.Encrypt([]byte("lobster"), key[:])
	require.NoError(t, err)
	require.NotEqual(t, a[:24], b[:24])
	require.NotEqual(t, a, b)
}

func TestDecrypt_Failures(t *testing.T) {
	key := randomKey(t)
	other := randomKey(t)
	blob, err := dcmrelay.Encrypt([]byte("grouper"), key[:])
	require.NoError(t, err)
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name    string
		blob    []byte
		key     []byte
		wantErr error
	}{
		{name: "wrong key", blob: blob, key: other[:], wantErr: dcmrelay.ErrAuthentication},
		{name: "tampered", blob: tampered, key: key[:], wantErr: dcmrelay.ErrAuthentication},
		{name: "truncated", blob: blob[:30], key: key[:], wantErr: dcmrelay.ErrMalformedCiphertext},
		{name: "short key", blob: blob, key: key[:16], wantErr: dcmrelay.ErrInvalidKeyLength},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := dcmrelay.Decrypt(test.blob, test.key)
			require.ErrorIs(t, err, test.wantErr)
			require.Nil(t, got)
		})
	}
}

func TestEncrypt_InvalidKeyLength(t *testing.T) {
	_, err := dcmrelay.Encrypt([]byte("eel"), make([]byte, 31))
	require.ErrorIs(t, err, dcmrelay.ErrInvalidKeyLength)
}

func TestDeriveID(t *testing.T) {
	key := randomKey(t)
	id := dcmrelay.DeriveID(key, "1.2.3")
	require.Len(t, id, 64)
	require.Equal(t, id, dcmrelay.DeriveID(key, "1.2.3"))
	require.NotEqual(t, id, dcmrelay.DeriveID(key, "1.2.4"))
	require.NotEqual(t, id, dcmrelay.DeriveID(randomKey(t), "1.2.3"))

	var zero dcmrelay.StudyKey
	require.Equal(t, "b95f905719bb69d8c52e498228a23f2865ee6f636a740881bf205a21d7af2d60", dcmrelay.DeriveID(zero, "1.2.3"))
}

func TestObjectPath(t *testing.T) {
	key := randomKey(t)
	got := dcmrelay.ObjectPath(key, "1.2.3", "1.2.3.4")
	require.Equal(t, dcmrelay.DeriveID(key, "1.2.3")+"/"+dcmrelay.DeriveID(key, "1.2.3.4"), got)
}
