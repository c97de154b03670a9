package dcmrelay

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKeyLength      = errors.New("study key must be 32 bytes")
	ErrMalformedCiphertext   = errors.New("ciphertext is too short")
	ErrAuthentication        = errors.New("ciphertext failed authentication")
	ErrMissingStudyUID       = errors.New("study instance UID is missing")
	ErrUnknownStudy          = errors.New("no key exists for study")
	ErrMalformedNotification = errors.New("notification carries no valid study reference")
)

type (
	// ErrProtocol is fatal to a single association but never to the process.
	ErrProtocol struct {
		Op  string
		Err error
	}
	// ErrKeyStore signals a failure of the key store; no upload may proceed
	// without a confirmed key.
	ErrKeyStore struct {
		Op  string
		Err error
	}
	// ErrStorage signals a failed object store operation.
	ErrStorage struct {
		Op   string
		Name string
		Err  error
	}
	// ErrMessaging signals a failure to talk to the messaging channel.
	ErrMessaging struct {
		Op  string
		Err error
	}
)

func (e ErrProtocol) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Err.Error())
	}
	return fmt.Sprintf("protocol error during %s", e.Op)
}

func (e ErrProtocol) Unwrap() error {
	return e.Err
}

func (e ErrKeyStore) Error() string {
	return fmt.Sprintf("key store %s failed: %v", e.Op, e.Err)
}

func (e ErrKeyStore) Unwrap() error {
	return e.Err
}

func (e ErrStorage) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("storage %s of %q failed: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e ErrStorage) Unwrap() error {
	return e.Err
}

func (e ErrMessaging) Error() string {
	return fmt.Sprintf("messaging %s failed: %v", e.Op, e.Err)
}

func (e ErrMessaging) Unwrap() error {
	return e.Err
}
