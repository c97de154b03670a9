// Package part10 reads and writes DICOM Part 10 files: a 128 byte preamble,
// the "DICM" magic, a group 0002 file meta header in explicit VR little
// endian, then the data set in its own transfer syntax.
package part10

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	preambleSize = 128
	magic        = "DICM"
	metaGroup    = 0x0002
)

// Transfer syntaxes that need no pixel codec.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// MediaStorageDirectory is the SOP class of a DICOMDIR.
const MediaStorageDirectory = "1.2.840.10008.1.3.10"

var (
	ErrNotPart10      = errors.New("part10: missing preamble or DICM magic")
	ErrMalformedMeta  = errors.New("part10: malformed file meta information")
	ErrIncompleteMeta = errors.New("part10: file meta lacks SOP class, instance or transfer syntax")
)

// IsCodecFree reports whether data in transfer syntax ts can be re-encoded
// into any other codec-free syntax without touching pixel codecs.
func IsCodecFree(ts string) bool {
	switch ts {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian:
		return true
	}
	return false
}

// Meta is the file meta information relevant to the relay.
type Meta struct {
	SOPClassUID               string
	SOPInstanceUID            string
	TransferSyntaxUID         string
	ImplementationClassUID    string
	ImplementationVersionName string
}

// Encode returns a complete Part 10 file wrapping dataset.
func Encode(meta Meta, dataset []byte) []byte {
	var group bytes.Buffer
	writeExplicit(&group, 0x0001, "OB", []byte{0x00, 0x01})
	writeExplicit(&group, 0x0002, "UI", padUID(meta.SOPClassUID))
	writeExplicit(&group, 0x0003, "UI", padUID(meta.SOPInstanceUID))
	writeExplicit(&group, 0x0010, "UI", padUID(meta.TransferSyntaxUID))
	if meta.ImplementationClassUID != "" {
		writeExplicit(&group, 0x0012, "UI", padUID(meta.ImplementationClassUID))
	}
	if meta.ImplementationVersionName != "" {
		writeExplicit(&group, 0x0013, "SH", padText(meta.ImplementationVersionName))
	}

	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(group.Len()))

	out := bytes.NewBuffer(make([]byte, 0, preambleSize+len(magic)+12+group.Len()+len(dataset)))
	out.Write(make([]byte, preambleSize))
	out.WriteString(magic)
	writeExplicit(out, 0x0000, "UL", gl[:])
	out.Write(group.Bytes())
	out.Write(dataset)
	return out.Bytes()
}

// WriteFile atomically writes a Part 10 file to path.
func WriteFile(path string, meta Meta, dataset []byte) error {
	return WriteAtomic(path, Encode(meta, dataset))
}

// WriteAtomic writes b to path through a temporary file in the same directory.
// The data is synced before the rename so a crash leaves either the old file
// or the complete new one.
func WriteAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(b); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Parse splits a Part 10 file into its meta information and the data set
// bytes that follow the meta group.
func Parse(b []byte) (Meta, []byte, error) {
	if len(b) < preambleSize+len(magic) || string(b[preambleSize:preambleSize+len(magic)]) != magic {
		return Meta{}, nil, ErrNotPart10
	}
	var meta Meta
	off := preambleSize + len(magic)
	for len(b)-off >= 4 && binary.LittleEndian.Uint16(b[off:]) == metaGroup {
		elem, value, n, err := readExplicit(b[off:])
		if err != nil {
			return Meta{}, nil, err
		}
		off += n
		switch elem {
		case 0x0002:
			meta.SOPClassUID = trim(value)
		case 0x0003:
			meta.SOPInstanceUID = trim(value)
		case 0x0010:
			meta.TransferSyntaxUID = trim(value)
		case 0x0012:
			meta.ImplementationClassUID = trim(value)
		case 0x0013:
			meta.ImplementationVersionName = trim(value)
		}
	}
	if meta.SOPClassUID == "" || meta.SOPInstanceUID == "" || meta.TransferSyntaxUID == "" {
		return Meta{}, nil, ErrIncompleteMeta
	}
	return meta, b[off:], nil
}

// ReadFile reads and parses the Part 10 file at path.
func ReadFile(path string) (Meta, []byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, nil, err
	}
	meta, dataset, err := Parse(b)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return meta, dataset, nil
}

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

func writeExplicit(w io.Writer, elem uint16, vr string, value []byte) {
	var hdr [12]byte
	binary.LittleEndian.PutUint16(hdr[0:], metaGroup)
	binary.LittleEndian.PutUint16(hdr[2:], elem)
	copy(hdr[4:6], vr)
	n := 8
	if isLongVR(vr) {
		binary.LittleEndian.PutUint32(hdr[8:], uint32(len(value)))
		n = 12
	} else {
		binary.LittleEndian.PutUint16(hdr[6:], uint16(len(value)))
	}
	_, _ = w.Write(hdr[:n])
	_, _ = w.Write(value)
}

func readExplicit(b []byte) (elem uint16, value []byte, n int, err error) {
	if len(b) < 8 {
		return 0, nil, 0, ErrMalformedMeta
	}
	elem = binary.LittleEndian.Uint16(b[2:])
	vr := string(b[4:6])
	var l int
	if isLongVR(vr) {
		if len(b) < 12 {
			return 0, nil, 0, ErrMalformedMeta
		}
		l = int(binary.LittleEndian.Uint32(b[8:]))
		n = 12
	} else {
		l = int(binary.LittleEndian.Uint16(b[6:]))
		n = 8
	}
	if l < 0 || l > len(b)-n {
		return 0, nil, 0, ErrMalformedMeta
	}
	return elem, b[n : n+l], n + l, nil
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	return b
}

func padText(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return b
}

func trim(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
