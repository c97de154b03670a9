// Package ul implements the subset of the DICOM upper layer protocol needed
// to store and receive instances: PDU encoding, association negotiation and
// P-DATA fragmentation.
package ul

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

type PDUType byte

const (
	TypeAssociateRQ PDUType = 0x01
	TypeAssociateAC PDUType = 0x02
	TypeAssociateRJ PDUType = 0x03
	TypePDataTF     PDUType = 0x04
	TypeReleaseRQ   PDUType = 0x05
	TypeReleaseRP   PDUType = 0x06
	TypeAbort       PDUType = 0x07
)

const (
	itemApplicationContext        byte = 0x10
	itemPresentationContextRQ     byte = 0x20
	itemPresentationContextAC     byte = 0x21
	itemAbstractSyntax            byte = 0x30
	itemTransferSyntax            byte = 0x40
	itemUserInformation           byte = 0x50
	itemMaxLength                 byte = 0x51
	itemImplementationClassUID    byte = 0x52
	itemImplementationVersionName byte = 0x55
)

const (
	// ApplicationContextName is the only application context defined by DICOM.
	ApplicationContextName = "1.2.840.10008.3.1.1.1"
	// HeaderSize is the size of the fixed PDU header: type, reserved, length.
	HeaderSize = 6
	// PDVHeaderSize is the per-PDV overhead inside a P-DATA-TF: item length,
	// context id and message control header.
	PDVHeaderSize = 6

	protocolVersion = 0x0001
	aeTitleSize     = 16
)

var (
	ErrMalformedPDU  = errors.New("ul: malformed PDU")
	ErrPDUTooLarge   = errors.New("ul: PDU exceeds maximum length")
	ErrUnknownPDU    = errors.New("ul: unknown PDU type")
	ErrUnexpectedPDU = errors.New("ul: unexpected PDU")
)

// PDU is any upper layer protocol data unit.
type PDU interface {
	Type() PDUType
}

type (
	AssociateRQ struct {
		CalledAETitle        string
		CallingAETitle       string
		PresentationContexts []PresentationContextRQ
		UserInfo             UserInfo
	}
	AssociateAC struct {
		CalledAETitle        string
		CallingAETitle       string
		PresentationContexts []PresentationContextAC
		UserInfo             UserInfo
	}
	AssociateRJ struct {
		Result byte
		Source byte
		Reason byte
	}
	PDataTF struct {
		Values []PDV
	}
	ReleaseRQ struct{}
	ReleaseRP struct{}
	Abort     struct {
		Source byte
		Reason byte
	}

	// PDV is one presentation data value: a fragment of either a command set
	// or a data set.
	PDV struct {
		ContextID byte
		Command   bool
		Last      bool
		Data      []byte
	}
	PresentationContextRQ struct {
		ID               byte
		AbstractSyntax   string
		TransferSyntaxes []string
	}
	PresentationContextAC struct {
		ID             byte
		Result         byte
		TransferSyntax string
	}
	UserInfo struct {
		MaxPDULength              uint32
		ImplementationClassUID    string
		ImplementationVersionName string
	}
)

func (*AssociateRQ) Type() PDUType { return TypeAssociateRQ }
func (*AssociateAC) Type() PDUType { return TypeAssociateAC }
func (*AssociateRJ) Type() PDUType { return TypeAssociateRJ }
func (*PDataTF) Type() PDUType     { return TypePDataTF }
func (*ReleaseRQ) Type() PDUType   { return TypeReleaseRQ }
func (*ReleaseRP) Type() PDUType   { return TypeReleaseRP }
func (*Abort) Type() PDUType       { return TypeAbort }

func (t PDUType) String() string {
	switch t {
	case TypeAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case TypeAssociateAC:
		return "A-ASSOCIATE-AC"
	case TypeAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case TypePDataTF:
		return "P-DATA-TF"
	case TypeReleaseRQ:
		return "A-RELEASE-RQ"
	case TypeReleaseRP:
		return "A-RELEASE-RP"
	case TypeAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("PDU(0x%02x)", byte(t))
	}
}

// ReadPDU reads one PDU from r, rejecting any whose length exceeds maxLength.
func ReadPDU(r io.Reader, maxLength uint32) (PDU, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > maxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrPDUTooLarge, length, maxLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return DecodePDU(PDUType(hdr[0]), body)
}

// DecodePDU decodes the variable part of a PDU of the given type.
func DecodePDU(t PDUType, body []byte) (PDU, error) {
	d := &decoder{b: body}
	var p PDU
	switch t {
	case TypeAssociateRQ:
		rq := &AssociateRQ{}
		rq.CalledAETitle, rq.CallingAETitle = d.associateHeader()
		d.items(func(typ byte, item []byte) {
			switch typ {
			case itemPresentationContextRQ:
				rq.PresentationContexts = append(rq.PresentationContexts, decodePresentationContextRQ(d, item))
			case itemUserInformation:
				rq.UserInfo = decodeUserInfo(d, item)
			}
		})
		p = rq
	case TypeAssociateAC:
		ac := &AssociateAC{}
		ac.CalledAETitle, ac.CallingAETitle = d.associateHeader()
		d.items(func(typ byte, item []byte) {
			switch typ {
			case itemPresentationContextAC:
				ac.PresentationContexts = append(ac.PresentationContexts, decodePresentationContextAC(d, item))
			case itemUserInformation:
				ac.UserInfo = decodeUserInfo(d, item)
			}
		})
		p = ac
	case TypeAssociateRJ:
		d.skip(1)
		p = &AssociateRJ{Result: d.u8(), Source: d.u8(), Reason: d.u8()}
	case TypePDataTF:
		pd := &PDataTF{}
		for d.err == nil && d.remaining() > 0 {
			l := d.u32()
			if l < 2 {
				d.fail()
				break
			}
			id := d.u8()
			mch := d.u8()
			pd.Values = append(pd.Values, PDV{
				ContextID: id,
				Command:   mch&0x01 != 0,
				Last:      mch&0x02 != 0,
				Data:      d.bytes(int(l - 2)),
			})
		}
		if d.err == nil && len(pd.Values) == 0 {
			d.fail()
		}
		p = pd
	case TypeReleaseRQ:
		p = &ReleaseRQ{}
	case TypeReleaseRP:
		p = &ReleaseRP{}
	case TypeAbort:
		d.skip(2)
		p = &Abort{Source: d.u8(), Reason: d.u8()}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownPDU, byte(t))
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %s", d.err, t)
	}
	return p, nil
}

func decodePresentationContextRQ(parent *decoder, item []byte) PresentationContextRQ {
	d := &decoder{b: item}
	pc := PresentationContextRQ{ID: d.u8()}
	d.skip(3)
	d.items(func(typ byte, sub []byte) {
		switch typ {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(sub)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(sub))
		}
	})
	parent.inherit(d)
	return pc
}

func decodePresentationContextAC(parent *decoder, item []byte) PresentationContextAC {
	d := &decoder{b: item}
	pc := PresentationContextAC{ID: d.u8()}
	d.skip(1)
	pc.Result = d.u8()
	d.skip(1)
	d.items(func(typ byte, sub []byte) {
		if typ == itemTransferSyntax {
			pc.TransferSyntax = trimUID(sub)
		}
	})
	parent.inherit(d)
	return pc
}

func decodeUserInfo(parent *decoder, item []byte) UserInfo {
	d := &decoder{b: item}
	var ui UserInfo
	d.items(func(typ byte, sub []byte) {
		switch typ {
		case itemMaxLength:
			if len(sub) != 4 {
				d.fail()
				return
			}
			ui.MaxPDULength = binary.BigEndian.Uint32(sub)
		case itemImplementationClassUID:
			ui.ImplementationClassUID = trimUID(sub)
		case itemImplementationVersionName:
			ui.ImplementationVersionName = strings.TrimSpace(string(sub))
		}
	})
	parent.inherit(d)
	return ui
}

// WritePDU encodes p and writes it to w in a single call.
func WritePDU(w io.Writer, p PDU) error {
	b, err := EncodePDU(p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// EncodePDU returns the wire encoding of p, header included.
func EncodePDU(p PDU) ([]byte, error) {
	var e encoder
	switch v := p.(type) {
	case *AssociateRQ:
		e.associateHeader(v.CalledAETitle, v.CallingAETitle)
		e.item(itemApplicationContext, []byte(ApplicationContextName))
		for _, pc := range v.PresentationContexts {
			var sub encoder
			sub.u8(pc.ID)
			sub.zero(3)
			sub.item(itemAbstractSyntax, []byte(pc.AbstractSyntax))
			for _, ts := range pc.TransferSyntaxes {
				sub.item(itemTransferSyntax, []byte(ts))
			}
			e.item(itemPresentationContextRQ, sub.buf.Bytes())
		}
		e.userInfo(v.UserInfo)
	case *AssociateAC:
		e.associateHeader(v.CalledAETitle, v.CallingAETitle)
		e.item(itemApplicationContext, []byte(ApplicationContextName))
		for _, pc := range v.PresentationContexts {
			var sub encoder
			sub.u8(pc.ID)
			sub.zero(1)
			sub.u8(pc.Result)
			sub.zero(1)
			sub.item(itemTransferSyntax, []byte(pc.TransferSyntax))
			e.item(itemPresentationContextAC, sub.buf.Bytes())
		}
		e.userInfo(v.UserInfo)
	case *AssociateRJ:
		e.zero(1)
		e.u8(v.Result)
		e.u8(v.Source)
		e.u8(v.Reason)
	case *PDataTF:
		for _, pdv := range v.Values {
			var mch byte
			if pdv.Command {
				mch |= 0x01
			}
			if pdv.Last {
				mch |= 0x02
			}
			e.u32(uint32(len(pdv.Data) + 2))
			e.u8(pdv.ContextID)
			e.u8(mch)
			e.buf.Write(pdv.Data)
		}
	case *ReleaseRQ, *ReleaseRP:
		e.zero(4)
	case *Abort:
		e.zero(2)
		e.u8(v.Source)
		e.u8(v.Reason)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPDU, p)
	}
	body := e.buf.Bytes()
	out := make([]byte, HeaderSize, HeaderSize+len(body))
	out[0] = byte(p.Type())
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	return append(out, body...), nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v byte) {
	e.buf.WriteByte(v)
}

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) zero(n int) {
	for i := 0; i < n; i++ {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) item(typ byte, body []byte) {
	e.u8(typ)
	e.zero(1)
	e.u16(uint16(len(body)))
	e.buf.Write(body)
}

func (e *encoder) aeTitle(s string) {
	if len(s) > aeTitleSize {
		s = s[:aeTitleSize]
	}
	e.buf.WriteString(s)
	for i := len(s); i < aeTitleSize; i++ {
		e.buf.WriteByte(' ')
	}
}

func (e *encoder) associateHeader(called, calling string) {
	e.u16(protocolVersion)
	e.zero(2)
	e.aeTitle(called)
	e.aeTitle(calling)
	e.zero(32)
}

func (e *encoder) userInfo(ui UserInfo) {
	var sub encoder
	var maxLength [4]byte
	binary.BigEndian.PutUint32(maxLength[:], ui.MaxPDULength)
	sub.item(itemMaxLength, maxLength[:])
	if ui.ImplementationClassUID != "" {
		sub.item(itemImplementationClassUID, []byte(ui.ImplementationClassUID))
	}
	if ui.ImplementationVersionName != "" {
		sub.item(itemImplementationVersionName, []byte(ui.ImplementationVersionName))
	}
	e.item(itemUserInformation, sub.buf.Bytes())
}

// decoder reads big-endian fields, latching the first error so callers can
// check once at the end.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = ErrMalformedPDU
	}
}

func (d *decoder) inherit(child *decoder) {
	if child.err != nil {
		d.fail()
	}
}

func (d *decoder) remaining() int {
	return len(d.b) - d.off
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil || n < 0 || n > d.remaining() {
		d.fail()
		return nil
	}
	v := d.b[d.off : d.off+n]
	d.off += n
	return v
}

func (d *decoder) skip(n int) {
	d.bytes(n)
}

func (d *decoder) u8() byte {
	if b := d.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) associateHeader() (called, calling string) {
	d.skip(4)
	called = strings.TrimSpace(string(d.bytes(aeTitleSize)))
	calling = strings.TrimSpace(string(d.bytes(aeTitleSize)))
	d.skip(32)
	return called, calling
}

func (d *decoder) items(fn func(typ byte, body []byte)) {
	for d.err == nil && d.remaining() > 0 {
		typ := d.u8()
		d.skip(1)
		l := d.u16()
		body := d.bytes(int(l))
		if d.err != nil {
			return
		}
		fn(typ, body)
	}
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
