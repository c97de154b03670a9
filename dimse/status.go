package dimse

import "fmt"

const (
	StatusSuccess               uint16 = 0x0000
	StatusCancel                uint16 = 0xFE00
	StatusPending               uint16 = 0xFF00
	StatusPendingWarning        uint16 = 0xFF01
	StatusUnrecognizedOperation uint16 = 0x0211
	StatusProcessingFailure     uint16 = 0x0110
	StatusOutOfResources        uint16 = 0xA700
)

// StatusClass groups DIMSE status codes by how a sender must react.
type StatusClass int

const (
	ClassSuccess StatusClass = iota
	ClassWarning
	ClassPending
	ClassCancel
	ClassFailure
)

func (c StatusClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassWarning:
		return "warning"
	case ClassPending:
		return "pending"
	case ClassCancel:
		return "cancel"
	case ClassFailure:
		return "failure"
	default:
		return fmt.Sprintf("StatusClass(%d)", int(c))
	}
}

// Proceed reports whether a sender may continue after a status of class c.
func (c StatusClass) Proceed() bool {
	return c == ClassSuccess || c == ClassWarning || c == ClassPending
}

// Classify maps a DIMSE status code onto its class.
func Classify(status uint16) StatusClass {
	switch {
	case status == StatusSuccess:
		return ClassSuccess
	case status == 0x0001, status == 0x0107, status == 0x0116,
		status >= 0xB000 && status <= 0xBFFF:
		return ClassWarning
	case status == StatusPending, status == StatusPendingWarning:
		return ClassPending
	case status == StatusCancel:
		return ClassCancel
	default:
		return ClassFailure
	}
}
