// Package dimse encodes and decodes DIMSE command sets. Command sets are
// always implicit VR little endian and live entirely in group 0000.
package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// Element numbers within group 0000.
const (
	TagGroupLength               uint16 = 0x0000
	TagAffectedSOPClassUID       uint16 = 0x0002
	TagCommandField              uint16 = 0x0100
	TagMessageID                 uint16 = 0x0110
	TagMessageIDBeingRespondedTo uint16 = 0x0120
	TagPriority                  uint16 = 0x0700
	TagCommandDataSetType        uint16 = 0x0800
	TagStatus                    uint16 = 0x0900
	TagAffectedSOPInstanceUID    uint16 = 0x1000
)

const (
	// NoDataSet is the CommandDataSetType value announcing that no data set
	// follows the command.
	NoDataSet uint16 = 0x0101
	// DataSetPresent is the value conventionally used when a data set follows.
	DataSetPresent uint16 = 0x0000

	PriorityMedium uint16 = 0x0000

	commandGroup = 0x0000
)

var (
	ErrMalformedCommand = errors.New("dimse: malformed command set")
	ErrMissingElement   = errors.New("dimse: missing command element")
)

// Command is a decoded command set keyed by element number.
type Command struct {
	elements map[uint16][]byte
}

func NewCommand() *Command {
	return &Command{elements: make(map[uint16][]byte)}
}

// Decode parses an implicit VR little endian command set.
func Decode(b []byte) (*Command, error) {
	c := NewCommand()
	for off := 0; off < len(b); {
		if len(b)-off < 8 {
			return nil, fmt.Errorf("%w: truncated element header at %d", ErrMalformedCommand, off)
		}
		group := binary.LittleEndian.Uint16(b[off:])
		elem := binary.LittleEndian.Uint16(b[off+2:])
		l := int(binary.LittleEndian.Uint32(b[off+4:]))
		off += 8
		if group != commandGroup {
			return nil, fmt.Errorf("%w: element (%04x,%04x) outside group 0000", ErrMalformedCommand, group, elem)
		}
		if l < 0 || l > len(b)-off {
			return nil, fmt.Errorf("%w: element (0000,%04x) overruns command", ErrMalformedCommand, elem)
		}
		c.elements[elem] = b[off : off+l]
		off += l
	}
	if _, ok := c.Uint16(TagCommandField); !ok {
		return nil, fmt.Errorf("%w: (0000,0100)", ErrMissingElement)
	}
	return c, nil
}

// Encode returns the command set with a correct group length element.
func (c *Command) Encode() []byte {
	elems := make([]uint16, 0, len(c.elements))
	for e := range c.elements {
		if e != TagGroupLength {
			elems = append(elems, e)
		}
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i] < elems[j] })

	var body bytes.Buffer
	for _, e := range elems {
		writeElement(&body, e, c.elements[e])
	}
	var out bytes.Buffer
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(body.Len()))
	writeElement(&out, TagGroupLength, gl[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeElement(w *bytes.Buffer, elem uint16, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], commandGroup)
	binary.LittleEndian.PutUint16(hdr[2:], elem)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))
	w.Write(hdr[:])
	w.Write(value)
}

func (c *Command) Uint16(elem uint16) (uint16, bool) {
	v, ok := c.elements[elem]
	if !ok || len(v) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(v), true
}

// String returns a string element with its padding removed.
func (c *Command) String(elem uint16) (string, bool) {
	v, ok := c.elements[elem]
	if !ok {
		return "", false
	}
	return strings.TrimRight(string(v), "\x00 "), true
}

func (c *Command) SetUint16(elem, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	c.elements[elem] = b
}

// SetUID sets a UI element, padding it to even length with a NUL byte.
func (c *Command) SetUID(elem uint16, uid string) {
	b := []byte(uid)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	c.elements[elem] = b
}

func (c *Command) CommandField() uint16 {
	v, _ := c.Uint16(TagCommandField)
	return v
}

func (c *Command) MessageID() uint16 {
	v, _ := c.Uint16(TagMessageID)
	return v
}

// HasDataSet reports whether a data set follows this command.
func (c *Command) HasDataSet() bool {
	v, ok := c.Uint16(TagCommandDataSetType)
	return ok && v != NoDataSet
}

func (c *Command) Status() (uint16, bool) {
	return c.Uint16(TagStatus)
}

func (c *Command) AffectedSOPClassUID() string {
	v, _ := c.String(TagAffectedSOPClassUID)
	return v
}

func (c *Command) AffectedSOPInstanceUID() string {
	v, _ := c.String(TagAffectedSOPInstanceUID)
	return v
}

// NewStoreRequest builds a C-STORE-RQ announcing a data set.
func NewStoreRequest(messageID uint16, sopClassUID, sopInstanceUID string) *Command {
	c := NewCommand()
	c.SetUID(TagAffectedSOPClassUID, sopClassUID)
	c.SetUint16(TagCommandField, CStoreRQ)
	c.SetUint16(TagMessageID, messageID)
	c.SetUint16(TagPriority, PriorityMedium)
	c.SetUint16(TagCommandDataSetType, DataSetPresent)
	c.SetUID(TagAffectedSOPInstanceUID, sopInstanceUID)
	return c
}

// NewStoreResponse builds the C-STORE-RSP answering messageID.
func NewStoreResponse(messageID uint16, sopClassUID, sopInstanceUID string, status uint16) *Command {
	c := NewCommand()
	c.SetUID(TagAffectedSOPClassUID, sopClassUID)
	c.SetUint16(TagCommandField, CStoreRSP)
	c.SetUint16(TagMessageIDBeingRespondedTo, messageID)
	c.SetUint16(TagCommandDataSetType, NoDataSet)
	c.SetUint16(TagStatus, status)
	c.SetUID(TagAffectedSOPInstanceUID, sopInstanceUID)
	return c
}

// NewEchoResponse builds the C-ECHO-RSP answering messageID.
func NewEchoResponse(messageID uint16, sopClassUID string, status uint16) *Command {
	c := NewCommand()
	if sopClassUID != "" {
		c.SetUID(TagAffectedSOPClassUID, sopClassUID)
	}
	c.SetUint16(TagCommandField, CEchoRSP)
	c.SetUint16(TagMessageIDBeingRespondedTo, messageID)
	c.SetUint16(TagCommandDataSetType, NoDataSet)
	c.SetUint16(TagStatus, status)
	return c
}
