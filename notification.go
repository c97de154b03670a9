package dcmrelay

import (
	"encoding/hex"
	"strings"
)

// StudyRefToken introduces the study reference inside a notification.
const StudyRefToken = "Key:"

type (
	// StudyRef is everything the remote party needs to fetch and decrypt a
	// study: the storage prefix and the key. It never carries the study UID.
	StudyRef struct {
		Hash string
		Key  StudyKey
	}

	// Notification announces a relayed study to the remote party.
	Notification struct {
		Ref              StudyRef
		PatientID        string
		PatientName      string
		PatientBirthDate string
		StudyDate        string
	}
)

// String renders the reference as "<hash>/<hexkey>".
func (r StudyRef) String() string {
	return r.Hash + "/" + r.Key.Hex()
}

// String renders the notification as the message body sent to the room.
func (n Notification) String() string {
	var b strings.Builder
	b.WriteString("PatientID:")
	b.WriteString(n.PatientID)
	b.WriteString("\nName:")
	b.WriteString(n.PatientName)
	b.WriteString("\nBirthDate:")
	b.WriteString(n.PatientBirthDate)
	b.WriteString("\nStudyDate:")
	b.WriteString(n.StudyDate)
	b.WriteString("\n")
	b.WriteString(StudyRefToken)
	b.WriteString(n.Ref.String())
	return b.String()
}

// ParseStudyRef extracts the study reference from a message body. The
// reference closes the body, so occurrences of the token are tried from the
// last one back and the first that parses wins. Metadata that happens to
// contain the token cannot shadow the real reference.
func ParseStudyRef(body string) (StudyRef, error) {
	for rest := body; ; {
		i := strings.LastIndex(rest, StudyRefToken)
		if i < 0 {
			return StudyRef{}, ErrMalformedNotification
		}
		token := rest[i+len(StudyRefToken):]
		if end := strings.IndexAny(token, " \t\r\n"); end >= 0 {
			token = token[:end]
		}
		if ref, err := ParseStudyRefToken(token); err == nil {
			return ref, nil
		}
		rest = rest[:i]
	}
}

// ParseStudyRefToken parses the "<hash>/<hexkey>" form produced by
// StudyRef.String.
func ParseStudyRefToken(token string) (StudyRef, error) {
	hash, hexKey, ok := strings.Cut(strings.TrimSpace(token), "/")
	if !ok || !isDigest(hash) {
		return StudyRef{}, ErrMalformedNotification
	}
	key, err := ParseStudyKey(hexKey)
	if err != nil {
		return StudyRef{}, ErrMalformedNotification
	}
	return StudyRef{Hash: strings.ToLower(hash), Key: key}, nil
}

func isDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
