package ul

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dcmrelay/ul")

// Presentation context negotiation results.
const (
	ResultAcceptance                   byte = 0
	ResultUserRejection                byte = 1
	ResultNoReason                     byte = 2
	ResultAbstractSyntaxNotSupported   byte = 3
	ResultTransferSyntaxesNotSupported byte = 4
)

const (
	// DefaultMaxPDULength is used when no maximum length is configured.
	DefaultMaxPDULength uint32 = 16384
	// ImplementationClassUID identifies this implementation during association.
	ImplementationClassUID = "2.25.211698034613726452290841392734818093621"
	// ImplementationVersionName is advertised alongside ImplementationClassUID.
	ImplementationVersionName = "DCMRELAY_1"

	negotiationMaxLength uint32 = 1 << 16
	unboundedMaxLength   uint32 = 1 << 26
	unboundedFragment           = 1 << 20
)

var ErrAborted = errors.New("ul: association aborted by peer")

// RejectedError is returned when the peer rejects an association request.
type RejectedError struct {
	Result byte
	Source byte
	Reason byte
}

func (e RejectedError) Error() string {
	return fmt.Sprintf("ul: association rejected (result %d, source %d, reason %d)", e.Result, e.Source, e.Reason)
}

// PresentationContext is a negotiated presentation context.
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Result         byte
}

func (pc PresentationContext) Accepted() bool {
	return pc.Result == ResultAcceptance
}

// Association is an established association over a single connection. It is
// not safe for concurrent use except for Abort and Close.
type Association struct {
	conn           net.Conn
	callingAETitle string
	calledAETitle  string
	contexts       map[byte]PresentationContext
	localMax       uint32
	peerMax        uint32
	timeout        time.Duration
	closeOnce      sync.Once
	closeErr       error
}

func newAssociation(conn net.Conn, localMax uint32, timeout time.Duration) *Association {
	return &Association{
		conn:     conn,
		contexts: make(map[byte]PresentationContext),
		localMax: localMax,
		timeout:  timeout,
	}
}

func (a *Association) CallingAETitle() string { return a.callingAETitle }
func (a *Association) CalledAETitle() string  { return a.calledAETitle }
func (a *Association) RemoteAddr() net.Addr   { return a.conn.RemoteAddr() }

// PeerMaxPDULength is the largest P-DATA-TF variable field the peer accepts.
// Zero means unlimited.
func (a *Association) PeerMaxPDULength() uint32 { return a.peerMax }

// PresentationContext returns the negotiated context with the given id.
func (a *Association) PresentationContext(id byte) (PresentationContext, bool) {
	pc, ok := a.contexts[id]
	return pc, ok
}

// PresentationContexts returns every negotiated context ordered by id.
func (a *Association) PresentationContexts() []PresentationContext {
	pcs := make([]PresentationContext, 0, len(a.contexts))
	for _, pc := range a.contexts {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i].ID < pcs[j].ID })
	return pcs
}

func (a *Association) readLimit() uint32 {
	switch {
	case a.localMax == 0:
		return unboundedMaxLength
	case a.localMax < negotiationMaxLength:
		return negotiationMaxLength
	default:
		return a.localMax
	}
}

// Receive reads the next PDU, honouring the configured per-PDU timeout.
func (a *Association) Receive() (PDU, error) {
	if a.timeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.timeout))
	}
	return ReadPDU(a.conn, a.readLimit())
}

// Send writes a single PDU.
func (a *Association) Send(p PDU) error {
	if a.timeout > 0 {
		_ = a.conn.SetWriteDeadline(time.Now().Add(a.timeout))
	}
	return WritePDU(a.conn, p)
}

// MaxFragmentLength is the largest PDV payload that fits a single P-DATA-TF
// sent to the peer.
func (a *Association) MaxFragmentLength() int {
	if a.peerMax == 0 {
		return unboundedFragment
	}
	if a.peerMax <= PDVHeaderSize {
		return 1
	}
	return int(a.peerMax) - PDVHeaderSize
}

// SendPData sends data on presentation context id as a sequence of P-DATA-TF
// PDUs, each carrying one PDV no larger than the peer allows. Only the final
// PDV has its last-fragment bit set.
func (a *Association) SendPData(id byte, command bool, data []byte) error {
	limit := a.MaxFragmentLength()
	for {
		n := len(data)
		if n > limit {
			n = limit
		}
		last := n == len(data)
		pdv := PDV{ContextID: id, Command: command, Last: last, Data: data[:n]}
		if err := a.Send(&PDataTF{Values: []PDV{pdv}}); err != nil {
			return err
		}
		if last {
			return nil
		}
		data = data[n:]
	}
}

// Release performs an orderly release as the requestor and closes the
// connection.
func (a *Association) Release() error {
	defer a.Close()
	if err := a.Send(&ReleaseRQ{}); err != nil {
		return err
	}
	for {
		p, err := a.Receive()
		if err != nil {
			return err
		}
		switch p.(type) {
		case *ReleaseRP:
			return nil
		case *Abort:
			return ErrAborted
		case *PDataTF:
			log.Debugw("Discarding P-DATA-TF received while releasing", "peer", a.RemoteAddr())
		default:
			return fmt.Errorf("%w: %s while releasing", ErrUnexpectedPDU, p.Type())
		}
	}
}

// Abort sends an A-ABORT on a best effort basis and closes the connection.
func (a *Association) Abort() error {
	_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = WritePDU(a.conn, &Abort{})
	return a.Close()
}

func (a *Association) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}

// AcceptOptions configure the acceptor side of association negotiation.
type AcceptOptions struct {
	AETitle string
	// RequireCalledAETitle rejects requests whose called AE title differs
	// from AETitle.
	RequireCalledAETitle bool
	// AbstractSyntaxes lists the accepted abstract syntaxes; empty accepts
	// any.
	AbstractSyntaxes []string
	// TransferSyntaxes lists the accepted transfer syntaxes; empty accepts
	// the first well-formed one proposed.
	TransferSyntaxes []string
	MaxPDULength     uint32
	Timeout          time.Duration
}

// Accept negotiates an association on conn as the acceptor.
func Accept(conn net.Conn, opts AcceptOptions) (*Association, error) {
	a := newAssociation(conn, opts.MaxPDULength, opts.Timeout)
	p, err := a.Receive()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	rq, ok := p.(*AssociateRQ)
	if !ok {
		_ = a.Abort()
		return nil, fmt.Errorf("%w: %s before association", ErrUnexpectedPDU, p.Type())
	}
	if opts.RequireCalledAETitle && rq.CalledAETitle != opts.AETitle {
		rj := &AssociateRJ{Result: 1, Source: 1, Reason: 7}
		_ = a.Send(rj)
		_ = a.Close()
		return nil, RejectedError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason}
	}

	a.callingAETitle = rq.CallingAETitle
	a.calledAETitle = rq.CalledAETitle
	a.peerMax = rq.UserInfo.MaxPDULength

	ac := &AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		UserInfo:       localUserInfo(opts.MaxPDULength),
	}
	for _, prc := range rq.PresentationContexts {
		pc := negotiate(prc, opts)
		a.contexts[pc.ID] = pc
		ac.PresentationContexts = append(ac.PresentationContexts, PresentationContextAC{
			ID:             pc.ID,
			Result:         pc.Result,
			TransferSyntax: pc.TransferSyntax,
		})
	}
	if err := a.Send(ac); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func negotiate(prc PresentationContextRQ, opts AcceptOptions) PresentationContext {
	pc := PresentationContext{ID: prc.ID, AbstractSyntax: prc.AbstractSyntax}
	if len(prc.TransferSyntaxes) > 0 {
		pc.TransferSyntax = prc.TransferSyntaxes[0]
	}
	if len(opts.AbstractSyntaxes) > 0 && !contains(opts.AbstractSyntaxes, prc.AbstractSyntax) {
		pc.Result = ResultAbstractSyntaxNotSupported
		return pc
	}
	for _, ts := range prc.TransferSyntaxes {
		if (len(opts.TransferSyntaxes) == 0 && wellFormedUID(ts)) || contains(opts.TransferSyntaxes, ts) {
			pc.TransferSyntax = ts
			pc.Result = ResultAcceptance
			return pc
		}
	}
	pc.Result = ResultTransferSyntaxesNotSupported
	return pc
}

// ProposedContext is a presentation context offered by the requestor.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// RequestOptions configure the requestor side of association negotiation.
type RequestOptions struct {
	CallingAETitle string
	CalledAETitle  string
	Contexts       []ProposedContext
	MaxPDULength   uint32
	Timeout        time.Duration
}

// Dial connects to addr and requests an association.
func Dial(ctx context.Context, addr string, opts RequestOptions) (*Association, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Request(conn, opts)
}

// Request negotiates an association on conn as the requestor.
func Request(conn net.Conn, opts RequestOptions) (*Association, error) {
	a := newAssociation(conn, opts.MaxPDULength, opts.Timeout)
	a.callingAETitle = opts.CallingAETitle
	a.calledAETitle = opts.CalledAETitle

	rq := &AssociateRQ{
		CalledAETitle:  opts.CalledAETitle,
		CallingAETitle: opts.CallingAETitle,
		UserInfo:       localUserInfo(opts.MaxPDULength),
	}
	proposed := make(map[byte]ProposedContext, len(opts.Contexts))
	for _, pc := range opts.Contexts {
		proposed[pc.ID] = pc
		rq.PresentationContexts = append(rq.PresentationContexts, PresentationContextRQ(pc))
	}
	if err := a.Send(rq); err != nil {
		_ = a.Close()
		return nil, err
	}

	p, err := a.Receive()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	switch v := p.(type) {
	case *AssociateAC:
		a.peerMax = v.UserInfo.MaxPDULength
		for _, acpc := range v.PresentationContexts {
			prc, ok := proposed[acpc.ID]
			if !ok {
				_ = a.Abort()
				return nil, fmt.Errorf("%w: accepted context %d was never proposed", ErrMalformedPDU, acpc.ID)
			}
			a.contexts[acpc.ID] = PresentationContext{
				ID:             acpc.ID,
				AbstractSyntax: prc.AbstractSyntax,
				TransferSyntax: acpc.TransferSyntax,
				Result:         acpc.Result,
			}
		}
		return a, nil
	case *AssociateRJ:
		_ = a.Close()
		return nil, RejectedError{Result: v.Result, Source: v.Source, Reason: v.Reason}
	case *Abort:
		_ = a.Close()
		return nil, ErrAborted
	default:
		_ = a.Abort()
		return nil, fmt.Errorf("%w: %s in reply to association request", ErrUnexpectedPDU, p.Type())
	}
}

func localUserInfo(maxLength uint32) UserInfo {
	return UserInfo{
		MaxPDULength:              maxLength,
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
	}
}

// wellFormedUID reports whether uid is 1 to 64 characters of digits and
// dots that neither starts nor ends with a dot.
func wellFormedUID(uid string) bool {
	if uid == "" || len(uid) > 64 || uid[0] == '.' || uid[len(uid)-1] == '.' {
		return false
	}
	for i := 0; i < len(uid); i++ {
		if c := uid[i]; (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
