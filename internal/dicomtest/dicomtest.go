// Package dicomtest builds small but valid DICOM instances for tests.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/dcmshare/dcmrelay/part10"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const CTImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// Instance describes a synthetic instance. Payload, when non-zero, adds an
// OB element of that many bytes so callers can exercise fragmentation.
type Instance struct {
	SOPClassUID      string
	SOPInstanceUID   string
	StudyInstanceUID string
	StudyDate        string
	PatientID        string
	PatientName      string
	PatientBirthDate string
	Payload          int
}

func (i Instance) sopClass() string {
	if i.SOPClassUID == "" {
		return CTImageStorage
	}
	return i.SOPClassUID
}

// Dataset encodes the instance as an implicit VR little endian data set
// without file meta information.
func Dataset(i Instance) []byte {
	elems := []*dicom.Element{
		element(tag.SOPClassUID, []string{i.sopClass()}),
		element(tag.SOPInstanceUID, []string{i.SOPInstanceUID}),
		element(tag.Modality, []string{"CT"}),
		element(tag.StudyInstanceUID, []string{i.StudyInstanceUID}),
	}
	optional := []struct {
		t     tag.Tag
		value string
	}{
		{tag.StudyDate, i.StudyDate},
		{tag.PatientName, i.PatientName},
		{tag.PatientID, i.PatientID},
		{tag.PatientBirthDate, i.PatientBirthDate},
	}
	for _, o := range optional {
		if o.value != "" {
			elems = append(elems, element(o.t, []string{o.value}))
		}
	}
	if i.Payload > 0 {
		payload := make([]byte, i.Payload+i.Payload%2)
		for n := range payload {
			payload[n] = byte(n)
		}
		elems = append(elems, element(tag.EncapsulatedDocument, payload))
	}
	sort.Slice(elems, func(a, b int) bool { return elems[a].Tag.Compare(elems[b].Tag) < 0 })

	var buf bytes.Buffer
	w := dicom.NewWriter(&buf)
	w.SetTransferSyntax(binary.LittleEndian, true)
	for _, e := range elems {
		if err := w.WriteElement(e); err != nil {
			panic(err)
		}
	}
	return buf.Bytes()
}

func element(t tag.Tag, value any) *dicom.Element {
	e, err := dicom.NewElement(t, value)
	if err != nil {
		panic(err)
	}
	return e
}

// Meta returns the file meta matching Dataset.
func Meta(i Instance) part10.Meta {
	return part10.Meta{
		SOPClassUID:       i.sopClass(),
		SOPInstanceUID:    i.SOPInstanceUID,
		TransferSyntaxUID: part10.ImplicitVRLittleEndian,
	}
}

// File encodes the instance as a Part 10 file.
func File(i Instance) []byte {
	return part10.Encode(Meta(i), Dataset(i))
}

// WriteFile writes the instance as a Part 10 file into dir and returns its
// path.
func WriteFile(t testing.TB, dir string, i Instance) string {
	t.Helper()
	path := filepath.Join(dir, i.SOPInstanceUID+".dcm")
	if err := os.WriteFile(path, File(i), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
