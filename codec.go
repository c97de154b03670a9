package dcmrelay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// DeriveID returns the content address of identifier under key: the lower-case
// hex SHA2-256 digest of hex(key) + "_" + identifier.
func DeriveID(key StudyKey, identifier string) string {
	preimage := make([]byte, 0, 2*StudyKeySize+1+len(identifier))
	preimage = append(preimage, key.Hex()...)
	preimage = append(preimage, '_')
	preimage = append(preimage, identifier...)

	mh, err := multihash.Sum(preimage, uint64(multicodec.Sha2_256), -1)
	if err != nil {
		// sha2-256 is always registered.
		panic(err)
	}
	dmh, err := multihash.Decode(mh)
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(dmh.Digest)
}

// ObjectPath returns the storage path of an instance of a study.
func ObjectPath(key StudyKey, studyUID, instanceUID string) string {
	return DeriveID(key, studyUID) + "/" + DeriveID(key, instanceUID)
}

// Encrypt seals plaintext under key with a freshly drawn nonce. The returned
// blob is the nonce followed by the authenticated ciphertext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	k, err := secretKey(key)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, k), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(blob, key []byte) ([]byte, error) {
	k, err := secretKey(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < nonceSize+secretbox.Overhead {
		return nil, ErrMalformedCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plaintext, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, k)
	if !ok {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func secretKey(key []byte) (*[StudyKeySize]byte, error) {
	if len(key) != StudyKeySize {
		return nil, ErrInvalidKeyLength
	}
	var k [StudyKeySize]byte
	copy(k[:], key)
	return &k, nil
}
