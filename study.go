package dcmrelay

import (
	"context"
	"strings"
)

// Study is an immutable view of a study whose key has been resolved. The only
// way to obtain one is NewStudy, which guarantees the key was fetched or
// created exactly once.
type Study struct {
	meta    StudyMetadata
	key     StudyKey
	hash    string
	created bool
}

// NewStudy validates meta and resolves the study key through ks.
func NewStudy(ctx context.Context, ks KeyStore, meta StudyMetadata) (Study, error) {
	meta.StudyInstanceUID = TrimUID(meta.StudyInstanceUID)
	if meta.StudyInstanceUID == "" {
		return Study{}, ErrMissingStudyUID
	}
	key, created, err := ks.GetOrCreate(ctx, meta.StudyInstanceUID)
	if err != nil {
		return Study{}, err
	}
	return newStudy(meta, key, created), nil
}

// LookupStudy resolves an existing study without creating a key. It returns
// ErrUnknownStudy when the key store has no key for studyUID.
func LookupStudy(ctx context.Context, ks KeyStore, studyUID string) (Study, error) {
	studyUID = TrimUID(studyUID)
	if studyUID == "" {
		return Study{}, ErrMissingStudyUID
	}
	key, found, err := ks.Get(ctx, studyUID)
	if err != nil {
		return Study{}, err
	}
	if !found {
		return Study{}, ErrUnknownStudy
	}
	return newStudy(StudyMetadata{StudyInstanceUID: studyUID}, key, false), nil
}

func newStudy(meta StudyMetadata, key StudyKey, created bool) Study {
	return Study{
		meta:    meta.withDefaults(),
		key:     key,
		hash:    DeriveID(key, meta.StudyInstanceUID),
		created: created,
	}
}

func (s Study) UID() string             { return s.meta.StudyInstanceUID }
func (s Study) Hash() string            { return s.hash }
func (s Study) Key() StudyKey           { return s.key }
func (s Study) Metadata() StudyMetadata { return s.meta }

// WithMetadata returns a copy of s described by meta. The study UID, key and
// hash are kept.
func (s Study) WithMetadata(meta StudyMetadata) Study {
	meta.StudyInstanceUID = s.meta.StudyInstanceUID
	s.meta = meta.withDefaults()
	return s
}

// Created reports whether resolving this study generated its key.
func (s Study) Created() bool { return s.created }

// ObjectPath returns the storage path of one of the study's instances.
func (s Study) ObjectPath(instanceUID string) string {
	return s.hash + "/" + DeriveID(s.key, TrimUID(instanceUID))
}

// Ref returns the reference the remote party needs to fetch the study.
func (s Study) Ref() StudyRef {
	return StudyRef{Hash: s.hash, Key: s.key}
}

// Notification returns the announcement for this study.
func (s Study) Notification() Notification {
	return Notification{
		Ref:              s.Ref(),
		PatientID:        s.meta.PatientID,
		PatientName:      s.meta.PatientName,
		PatientBirthDate: s.meta.PatientBirthDate,
		StudyDate:        s.meta.StudyDate,
	}
}

// TrimUID strips the NUL and space padding DICOM applies to UI values.
func TrimUID(uid string) string {
	return strings.TrimRight(strings.TrimSpace(uid), "\x00 ")
}

// ValidUID reports whether uid is a non-empty UID made only of digits and
// dots, and therefore safe to use as a file name.
func ValidUID(uid string) bool {
	if uid == "" || len(uid) > 64 {
		return false
	}
	for i := 0; i < len(uid); i++ {
		c := uid[i]
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return uid[0] != '.'
}
