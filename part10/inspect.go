package part10

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dcmshare/dcmrelay"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Info is what the relay needs to know about a decoded instance.
type Info struct {
	Meta           Meta
	SOPClassUID    string
	SOPInstanceUID string
	Study          dcmrelay.StudyMetadata
}

// Inspect decodes a complete Part 10 file and extracts its identifying
// attributes. Pixel data is skipped.
func Inspect(file []byte) (Info, error) {
	meta, _, err := Parse(file)
	if err != nil {
		return Info{}, err
	}
	ds, err := dicom.Parse(bytes.NewReader(file), int64(len(file)), nil, dicom.SkipPixelData())
	if err != nil {
		return Info{}, fmt.Errorf("part10: failed to decode data set: %w", err)
	}
	info := Info{
		Meta:           meta,
		SOPClassUID:    stringValue(&ds, tag.SOPClassUID),
		SOPInstanceUID: stringValue(&ds, tag.SOPInstanceUID),
		Study: dcmrelay.StudyMetadata{
			StudyInstanceUID: stringValue(&ds, tag.StudyInstanceUID),
			StudyDate:        stringValue(&ds, tag.StudyDate),
			PatientID:        stringValue(&ds, tag.PatientID),
			PatientName:      stringValue(&ds, tag.PatientName),
			PatientBirthDate: stringValue(&ds, tag.PatientBirthDate),
		},
	}
	if info.SOPInstanceUID == "" {
		info.SOPInstanceUID = meta.SOPInstanceUID
	}
	if info.SOPClassUID == "" {
		info.SOPClassUID = meta.SOPClassUID
	}
	return info, nil
}

func stringValue(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(values[0]), "\x00")
}

// Recode re-encodes a data set from one codec-free transfer syntax into
// another and returns the new data set bytes.
func Recode(meta Meta, dataset []byte, target string) ([]byte, error) {
	if meta.TransferSyntaxUID == target {
		return dataset, nil
	}
	if !IsCodecFree(meta.TransferSyntaxUID) || !IsCodecFree(target) {
		return nil, fmt.Errorf("part10: cannot recode %s to %s without a codec", meta.TransferSyntaxUID, target)
	}
	file := Encode(meta, dataset)
	ds, err := dicom.Parse(bytes.NewReader(file), int64(len(file)), nil)
	if err != nil {
		return nil, fmt.Errorf("part10: failed to decode data set: %w", err)
	}
	el, err := ds.FindElementByTag(tag.TransferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("part10: %w", err)
	}
	if el.Value, err = dicom.NewValue([]string{target}); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := dicom.Write(&out, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		return nil, fmt.Errorf("part10: failed to encode data set as %s: %w", target, err)
	}
	recoded, got, err := Parse(out.Bytes())
	if err != nil {
		return nil, err
	}
	if recoded.TransferSyntaxUID != target {
		return nil, fmt.Errorf("part10: encoder wrote %s instead of %s", recoded.TransferSyntaxUID, target)
	}
	return got, nil
}
