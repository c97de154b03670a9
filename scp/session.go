package scp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/dimse"
	"github.com/dcmshare/dcmrelay/part10"
	"github.com/dcmshare/dcmrelay/ul"
)

// ErrInstanceTooLarge ends a session whose data set outgrows the configured
// maximum instance size.
var ErrInstanceTooLarge = errors.New("instance exceeds the maximum size")

type state int

const (
	awaitingCommand state = iota
	accumulatingData
	released
)

func (st state) String() string {
	switch st {
	case awaitingCommand:
		return "awaiting-command"
	case accumulatingData:
		return "accumulating-data"
	case released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(st))
	}
}

// Session reassembles the PDUs of one association. PDUs are consumed strictly
// in arrival order.
type Session struct {
	srv        *Server
	assoc      *ul.Association
	state      state
	cmd        *bytes.Buffer
	data       *bytes.Buffer
	pending    *dimse.Command
	pendingCtx byte
	stored     []string
}

func (s *Server) accept(conn net.Conn) (*Session, error) {
	assoc, err := ul.Accept(conn, ul.AcceptOptions{
		AETitle:              s.cfg.aeTitle,
		RequireCalledAETitle: s.cfg.requireCalledAETitle,
		AbstractSyntaxes:     s.cfg.abstractSyntaxes,
		TransferSyntaxes:     s.cfg.transferSyntaxes,
		MaxPDULength:         s.cfg.maxPDULength,
		Timeout:              s.cfg.timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Session{srv: s, assoc: assoc}, nil
}

func protocolError(op string, err error) error {
	return dcmrelay.ErrProtocol{Op: op, Err: err}
}

// Run consumes PDUs until the association is released or fails, and returns
// the SOP instance UIDs stored along the way.
func (ss *Session) Run(ctx context.Context) ([]string, error) {
	ss.cmd = ss.srv.p.leaseBuffer()
	ss.data = ss.srv.p.leaseBuffer()
	defer func() {
		ss.srv.p.returnBuffer(ss.cmd)
		ss.srv.p.returnBuffer(ss.data)
		ss.cmd, ss.data = nil, nil
	}()

	for ss.state != released {
		p, err := ss.assoc.Receive()
		if err != nil {
			_ = ss.assoc.Close()
			return ss.stored, protocolError("receive", err)
		}
		switch v := p.(type) {
		case *ul.PDataTF:
			for _, pdv := range v.Values {
				if err := ss.onPDV(ctx, pdv); err != nil {
					_ = ss.assoc.Abort()
					return ss.stored, err
				}
			}
		case *ul.ReleaseRQ:
			if ss.state == accumulatingData {
				log.Warnw("Release requested mid data set; discarding partial instance",
					"sopInstanceUID", ss.pending.AffectedSOPInstanceUID())
			}
			ss.state = released
			err := ss.assoc.Send(&ul.ReleaseRP{})
			_ = ss.assoc.Close()
			if err != nil {
				return ss.stored, protocolError("release", err)
			}
		case *ul.Abort:
			_ = ss.assoc.Close()
			return ss.stored, protocolError("receive", ul.ErrAborted)
		default:
			_ = ss.assoc.Abort()
			return ss.stored, protocolError("receive", fmt.Errorf("%w: %s", ul.ErrUnexpectedPDU, p.Type()))
		}
	}
	return ss.stored, nil
}

func (ss *Session) onPDV(ctx context.Context, pdv ul.PDV) error {
	if pdv.Command {
		if ss.state == accumulatingData {
			return protocolError("reassemble", errors.New("command fragment while a data set is pending"))
		}
		ss.cmd.Write(pdv.Data)
		if !pdv.Last {
			return nil
		}
		cmd, err := dimse.Decode(ss.cmd.Bytes())
		ss.cmd.Reset()
		if err != nil {
			return protocolError("decode command", err)
		}
		return ss.onCommand(pdv.ContextID, cmd)
	}

	if ss.state != accumulatingData {
		return protocolError("reassemble", errors.New("data fragment without a pending store request"))
	}
	if pdv.ContextID != ss.pendingCtx {
		return protocolError("reassemble",
			fmt.Errorf("data fragment on presentation context %d, expected %d", pdv.ContextID, ss.pendingCtx))
	}
	if int64(ss.data.Len()+len(pdv.Data)) > ss.srv.cfg.maxInstanceSize {
		return protocolError("reassemble", fmt.Errorf("%w: %s exceeds %d bytes",
			ErrInstanceTooLarge, ss.pending.AffectedSOPInstanceUID(), ss.srv.cfg.maxInstanceSize))
	}
	ss.data.Write(pdv.Data)
	if !pdv.Last {
		return nil
	}
	err := ss.complete(ctx)
	ss.data.Reset()
	ss.pending = nil
	ss.state = awaitingCommand
	return err
}

func (ss *Session) onCommand(ctxID byte, cmd *dimse.Command) error {
	switch cmd.CommandField() {
	case dimse.CStoreRQ:
		if !cmd.HasDataSet() {
			return protocolError("store", errors.New("C-STORE-RQ announces no data set"))
		}
		pc, ok := ss.assoc.PresentationContext(ctxID)
		if !ok || !pc.Accepted() {
			return protocolError("store", fmt.Errorf("presentation context %d was not accepted", ctxID))
		}
		ss.pending = cmd
		ss.pendingCtx = ctxID
		ss.state = accumulatingData
		return nil
	case dimse.CEchoRQ:
		rsp := dimse.NewEchoResponse(cmd.MessageID(), cmd.AffectedSOPClassUID(), dimse.StatusSuccess)
		if err := ss.assoc.SendPData(ctxID, true, rsp.Encode()); err != nil {
			return protocolError("echo", err)
		}
		log.Debugw("Answered C-ECHO", "calling", ss.assoc.CallingAETitle())
		return nil
	default:
		if cmd.HasDataSet() {
			return protocolError("dispatch", fmt.Errorf("unsupported command 0x%04x with data set", cmd.CommandField()))
		}
		log.Debugw("Ignoring command", "command", fmt.Sprintf("0x%04x", cmd.CommandField()))
		return nil
	}
}

// complete turns the reassembled data set into a staged Part 10 file, hands
// it over and acknowledges it.
func (ss *Session) complete(ctx context.Context) error {
	pc, _ := ss.assoc.PresentationContext(ss.pendingCtx)
	sopClass := dcmrelay.TrimUID(ss.pending.AffectedSOPClassUID())
	sopInstance := dcmrelay.TrimUID(ss.pending.AffectedSOPInstanceUID())
	if !dcmrelay.ValidUID(sopInstance) {
		return protocolError("store", fmt.Errorf("invalid SOP instance UID %q", sopInstance))
	}

	file := part10.Encode(part10.Meta{
		SOPClassUID:               sopClass,
		SOPInstanceUID:            sopInstance,
		TransferSyntaxUID:         pc.TransferSyntax,
		ImplementationClassUID:    ul.ImplementationClassUID,
		ImplementationVersionName: ul.ImplementationVersionName,
	}, ss.data.Bytes())
	info, err := part10.Inspect(file)
	if err != nil {
		return protocolError("decode data set", err)
	}
	if dcmrelay.TrimUID(info.SOPInstanceUID) != sopInstance {
		return protocolError("decode data set",
			fmt.Errorf("data set SOP instance UID %q does not match command %q", info.SOPInstanceUID, sopInstance))
	}

	status := dimse.StatusSuccess
	path := filepath.Join(ss.srv.stagingDir, sopInstance)
	if err := part10.WriteAtomic(path, file); err != nil {
		log.Errorw("Failed to stage instance", "sopInstanceUID", sopInstance, "err", err)
		status = dimse.StatusOutOfResources
	} else {
		inst := dcmrelay.Instance{
			SOPClassUID:    sopClass,
			SOPInstanceUID: sopInstance,
			TransferSyntax: pc.TransferSyntax,
			Path:           path,
			CallingAETitle: ss.assoc.CallingAETitle(),
			Study:          info.Study,
		}
		if err := ss.srv.handler.Enqueue(ctx, inst); err != nil {
			return fmt.Errorf("failed to hand over instance %s: %w", sopInstance, err)
		}
		ss.stored = append(ss.stored, sopInstance)
		if ss.srv.cfg.metrics != nil {
			ss.srv.cfg.metrics.RecordInstanceReceived(ctx, ss.assoc.CallingAETitle())
		}
		log.Infow("Received instance", "sopInstanceUID", sopInstance, "calling", ss.assoc.CallingAETitle())
	}

	rsp := dimse.NewStoreResponse(ss.pending.MessageID(), sopClass, sopInstance, status)
	if err := ss.assoc.SendPData(ss.pendingCtx, true, rsp.Encode()); err != nil {
		return protocolError("store response", err)
	}
	return nil
}
