package dicomtest_test

import (
	"encoding/binary"
	"testing"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/internal/dicomtest"
	"github.com/dcmshare/dcmrelay/part10"
	"github.com/stretchr/testify/require"
)

func TestDataset_DecodesBack(t *testing.T) {
	tests := []struct {
		name string
		inst dicomtest.Instance
	}{
		{name: "identifiers only", inst: dicomtest.Instance{SOPInstanceUID: "1.2.3.4", StudyInstanceUID: "1.2.3"}},
		{name: "odd lengths", inst: dicomtest.Instance{
			SOPInstanceUID:   "1.2.3.45",
			StudyInstanceUID: "1.2.35",
			PatientID:        "P12",
			PatientName:      "DOE^JO",
			StudyDate:        "20240102",
			PatientBirthDate: "19700101",
		}},
		{name: "odd payload", inst: dicomtest.Instance{SOPInstanceUID: "1.2.3.4", StudyInstanceUID: "1.2.3", Payload: 1001}},
		{name: "other class", inst: dicomtest.Instance{SOPClassUID: "1.2.840.10008.5.1.4.1.1.4", SOPInstanceUID: "1.2.3.4", StudyInstanceUID: "1.2.3"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ds := dicomtest.Dataset(test.inst)
			require.Zero(t, len(ds)%2)
			// Implicit VR: the SOP Class UID tag is followed directly by a
			// 32 bit length.
			require.Equal(t, uint16(0x0008), binary.LittleEndian.Uint16(ds[0:]))
			require.Equal(t, uint16(0x0016), binary.LittleEndian.Uint16(ds[2:]))
			wantClass := test.inst.SOPClassUID
			if wantClass == "" {
				wantClass = dicomtest.CTImageStorage
			}
			require.Equal(t, uint32(len(wantClass)+len(wantClass)%2), binary.LittleEndian.Uint32(ds[4:]))

			info, err := part10.Inspect(dicomtest.File(test.inst))
			require.NoError(t, err)
			require.Equal(t, wantClass, info.SOPClassUID)
			require.Equal(t, test.inst.SOPInstanceUID, info.SOPInstanceUID)
			require.Equal(t, dcmrelay.StudyMetadata{
				StudyInstanceUID: test.inst.StudyInstanceUID,
				StudyDate:        test.inst.StudyDate,
				PatientID:        test.inst.PatientID,
				PatientName:      test.inst.PatientName,
				PatientBirthDate: test.inst.PatientBirthDate,
			}, info.Study)
		})
	}
}
