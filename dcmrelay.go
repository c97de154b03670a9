package dcmrelay

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
)

// StudyKeySize is the length in bytes of a per-study symmetric key.
const StudyKeySize = 32

type (
	// StudyKey is the symmetric key that protects every instance of a study.
	StudyKey [StudyKeySize]byte

	// StudyMetadata is the subset of a study's attributes the relay carries
	// around. Only StudyInstanceUID is required.
	StudyMetadata struct {
		StudyInstanceUID string
		StudyDate        string
		PatientID        string
		PatientName      string
		PatientBirthDate string
	}

	// Instance is a single received imaging object staged on local disk
	// awaiting encryption and upload.
	Instance struct {
		SOPClassUID    string
		SOPInstanceUID string
		TransferSyntax string
		Path           string
		CallingAETitle string
		Study          StudyMetadata
	}

	// KeyStore is a persistent map from study identifier to study key.
	KeyStore interface {
		io.Closer
		// GetOrCreate returns the key for the given study, generating and
		// persisting a new one if none exists. created reports whether this
		// call generated the key.
		GetOrCreate(ctx context.Context, studyUID string) (key StudyKey, created bool, err error)
		// Get returns the key for the given study without ever creating one.
		Get(ctx context.Context, studyUID string) (key StudyKey, found bool, err error)
	}

	// ObjectStore is an untrusted blob store holding encrypted instances.
	ObjectStore interface {
		Put(ctx context.Context, name string, data []byte) error
		// List returns the names of all objects whose name starts with prefix.
		List(ctx context.Context, prefix string) ([]string, error)
		Get(ctx context.Context, name string) ([]byte, error)
	}
)

// ParseStudyKey decodes a hex encoded study key.
func ParseStudyKey(s string) (StudyKey, error) {
	var k StudyKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid study key: %w", err)
	}
	if len(b) != StudyKeySize {
		return k, ErrInvalidKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// Hex returns the lower-case hex encoding of the key.
func (k StudyKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// String never reveals key material.
func (k StudyKey) String() string {
	return "StudyKey(***)"
}

func (m StudyMetadata) withDefaults() StudyMetadata {
	if m.StudyDate == "" {
		m.StudyDate = unknownAttribute
	}
	if m.PatientID == "" {
		m.PatientID = unknownAttribute
	}
	if m.PatientName == "" {
		m.PatientName = unknownAttribute
	}
	if m.PatientBirthDate == "" {
		m.PatientBirthDate = unknownAttribute
	}
	return m
}

const unknownAttribute = "N/A"
