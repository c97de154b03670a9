// Package scu forwards Part 10 files to a remote storage SCP over a single
// association.
package scu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/dimse"
	"github.com/dcmshare/dcmrelay/part10"
	"github.com/dcmshare/dcmrelay/ul"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dcmrelay/scu")

const (
	maxContexts = 128
	// pduMargin is kept free below the peer's maximum PDU length before a
	// command and its data set share one P-DATA-TF.
	pduMargin = 100
)

var (
	ErrNoPresentationContext = errors.New("scu: no accepted presentation context fits the instance")
	ErrStoreCancelled        = errors.New("scu: destination cancelled the store")
	ErrStoreFailed           = errors.New("scu: destination refused the store")
	ErrDirectoryRecord       = errors.New("scu: DICOMDIR files are not forwarded")
	ErrInvalidDestination    = errors.New("scu: destination must look like AE@host:port")
)

// StoreError reports the status that made the destination stop a transfer.
// It unwraps to ErrStoreCancelled or ErrStoreFailed.
type StoreError struct {
	SOPInstanceUID string
	Status         uint16
	Class          dimse.StatusClass
}

func (e StoreError) Error() string {
	return fmt.Sprintf("%s: status 0x%04x for %s", e.Unwrap(), e.Status, e.SOPInstanceUID)
}

func (e StoreError) Unwrap() error {
	if e.Class == dimse.ClassCancel {
		return ErrStoreCancelled
	}
	return ErrStoreFailed
}

// Destination is a remote application entity.
type Destination struct {
	AETitle string
	Addr    string
}

func (d Destination) String() string {
	return d.AETitle + "@" + d.Addr
}

// ParseDestination parses "AE@host:port".
func ParseDestination(s string) (Destination, error) {
	ae, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || ae == "" || len(ae) > 16 {
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
	if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
	return Destination{AETitle: ae, Addr: addr}, nil
}

// Skip records a file that was not sent and why.
type Skip struct {
	Path string
	Err  error
}

// Report summarizes one Send.
type Report struct {
	Sent     int
	Warnings int
	Skipped  []Skip
}

func (r *Report) String() string {
	return fmt.Sprintf("sent %d (%d with warnings), skipped %d", r.Sent, r.Warnings, len(r.Skipped))
}

func (r *Report) skip(path string, err error) {
	log.Warnw("Skipping file", "path", path, "err", err)
	r.Skipped = append(r.Skipped, Skip{Path: path, Err: err})
}

type Sender struct {
	dest Destination
	cfg  config
}

func New(dest Destination, options ...Option) (*Sender, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &Sender{dest: dest, cfg: opts}, nil
}

type file struct {
	path string
	meta part10.Meta
}

// Send stores every file in files, walking directories, over one
// association. A cancel or failure status from the destination aborts the
// association and the remaining files are not attempted.
func (s *Sender) Send(ctx context.Context, files []string) (*Report, error) {
	report := &Report{}
	pending := s.collect(files, report)
	if len(pending) == 0 {
		log.Infow("Nothing to forward", "destination", s.dest, "skipped", len(report.Skipped))
		return report, nil
	}

	assoc, err := ul.Dial(ctx, s.dest.Addr, ul.RequestOptions{
		CallingAETitle: s.cfg.callingAETitle,
		CalledAETitle:  s.dest.AETitle,
		Contexts:       proposeContexts(pending),
		MaxPDULength:   s.cfg.maxPDULength,
		Timeout:        s.cfg.timeout,
	})
	if err != nil {
		return report, dcmrelay.ErrProtocol{Op: "associate", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = assoc.Abort() })
	defer stop()

	var msgID uint16
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			_ = assoc.Abort()
			return report, err
		}
		pc, ok := selectContext(assoc, f.meta)
		if !ok {
			report.skip(f.path, ErrNoPresentationContext)
			continue
		}
		_, dataset, err := part10.ReadFile(f.path)
		if err != nil {
			report.skip(f.path, err)
			continue
		}
		if pc.TransferSyntax != f.meta.TransferSyntaxUID {
			if dataset, err = part10.Recode(f.meta, dataset, pc.TransferSyntax); err != nil {
				report.skip(f.path, err)
				continue
			}
		}

		msgID++
		if msgID == 0 {
			msgID++
		}
		status, err := s.store(assoc, pc.ID, msgID, f.meta, dataset)
		if err != nil {
			_ = assoc.Abort()
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, err
		}
		class := dimse.Classify(status)
		if s.cfg.metrics != nil {
			s.cfg.metrics.RecordStoreStatus(ctx, class.String())
		}
		if !class.Proceed() {
			_ = assoc.Abort()
			return report, StoreError{SOPInstanceUID: f.meta.SOPInstanceUID, Status: status, Class: class}
		}
		report.Sent++
		if class == dimse.ClassWarning {
			report.Warnings++
			log.Warnw("Stored with warning", "sopInstanceUID", f.meta.SOPInstanceUID, "status", fmt.Sprintf("0x%04x", status))
		}
	}

	if err := assoc.Release(); err != nil {
		return report, dcmrelay.ErrProtocol{Op: "release", Err: err}
	}
	log.Infow("Forwarded files", "destination", s.dest, "report", report.String())
	return report, nil
}

// collect expands directories and reads the meta information of every file.
// Unreadable files and DICOMDIRs end up in the report as skipped.
func (s *Sender) collect(paths []string, report *Report) []file {
	var out []file
	add := func(path string) {
		meta, _, err := part10.ReadFile(path)
		switch {
		case err != nil:
			report.skip(path, err)
		case meta.SOPClassUID == part10.MediaStorageDirectory:
			report.skip(path, ErrDirectoryRecord)
		default:
			out = append(out, file{path: path, meta: meta})
		}
	}
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			report.skip(p, err)
			continue
		}
		if !fi.IsDir() {
			add(p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				report.skip(path, err)
				return nil
			}
			if d.Type().IsRegular() {
				add(path)
			}
			return nil
		})
		if err != nil {
			report.skip(p, err)
		}
	}
	return out
}

// proposeContexts groups files by SOP class and transfer syntax. Each group
// becomes one presentation context with an odd ID. Codec-free syntaxes are
// offered together so the acceptor may pick any of them.
func proposeContexts(files []file) []ul.ProposedContext {
	type group struct{ class, ts string }
	seen := make(map[group]bool)
	var out []ul.ProposedContext
	for _, f := range files {
		g := group{f.meta.SOPClassUID, f.meta.TransferSyntaxUID}
		if seen[g] {
			continue
		}
		seen[g] = true
		if len(out) == maxContexts {
			log.Warnw("Too many distinct presentation contexts; remaining files will be skipped",
				"sopClassUID", g.class, "transferSyntax", g.ts)
			continue
		}
		syntaxes := []string{g.ts}
		if part10.IsCodecFree(g.ts) {
			for _, ts := range []string{part10.ExplicitVRLittleEndian, part10.ImplicitVRLittleEndian, part10.ExplicitVRBigEndian} {
				if ts != g.ts {
					syntaxes = append(syntaxes, ts)
				}
			}
		}
		out = append(out, ul.ProposedContext{
			ID:               byte(2*len(out) + 1),
			AbstractSyntax:   g.class,
			TransferSyntaxes: syntaxes,
		})
	}
	return out
}

// selectContext picks an accepted context for the instance: one with the
// same transfer syntax, or failing that one where both syntaxes are
// codec-free.
func selectContext(assoc *ul.Association, meta part10.Meta) (ul.PresentationContext, bool) {
	var fallback ul.PresentationContext
	var found bool
	for _, pc := range assoc.PresentationContexts() {
		if !pc.Accepted() || pc.AbstractSyntax != meta.SOPClassUID {
			continue
		}
		if pc.TransferSyntax == meta.TransferSyntaxUID {
			return pc, true
		}
		if !found && part10.IsCodecFree(pc.TransferSyntax) && part10.IsCodecFree(meta.TransferSyntaxUID) {
			fallback, found = pc, true
		}
	}
	return fallback, found
}

func (s *Sender) store(assoc *ul.Association, id byte, msgID uint16, meta part10.Meta, dataset []byte) (uint16, error) {
	cmd := dimse.NewStoreRequest(msgID, meta.SOPClassUID, meta.SOPInstanceUID).Encode()
	if 2*ul.PDVHeaderSize+len(cmd)+len(dataset) <= assoc.MaxFragmentLength()+ul.PDVHeaderSize-pduMargin {
		err := assoc.Send(&ul.PDataTF{Values: []ul.PDV{
			{ContextID: id, Command: true, Last: true, Data: cmd},
			{ContextID: id, Last: true, Data: dataset},
		}})
		if err != nil {
			return 0, dcmrelay.ErrProtocol{Op: "store", Err: err}
		}
	} else {
		if err := assoc.SendPData(id, true, cmd); err != nil {
			return 0, dcmrelay.ErrProtocol{Op: "store", Err: err}
		}
		if err := assoc.SendPData(id, false, dataset); err != nil {
			return 0, dcmrelay.ErrProtocol{Op: "store", Err: err}
		}
	}
	return readStatus(assoc, msgID)
}

// readStatus reads the C-STORE-RSP for msgID, which may span several
// fragments, and returns its final status. Pending responses are skipped.
func readStatus(assoc *ul.Association, msgID uint16) (uint16, error) {
	var buf []byte
	for {
		p, err := assoc.Receive()
		if err != nil {
			return 0, dcmrelay.ErrProtocol{Op: "store response", Err: err}
		}
		pd, ok := p.(*ul.PDataTF)
		if !ok {
			return 0, dcmrelay.ErrProtocol{Op: "store response", Err: fmt.Errorf("%w: %s", ul.ErrUnexpectedPDU, p.Type())}
		}
		for _, pdv := range pd.Values {
			if !pdv.Command {
				return 0, dcmrelay.ErrProtocol{Op: "store response", Err: errors.New("data fragment in a store response")}
			}
			buf = append(buf, pdv.Data...)
			if !pdv.Last {
				continue
			}
			rsp, err := dimse.Decode(buf)
			if err != nil {
				return 0, dcmrelay.ErrProtocol{Op: "store response", Err: err}
			}
			if rsp.CommandField() != dimse.CStoreRSP {
				return 0, dcmrelay.ErrProtocol{Op: "store response", Err: fmt.Errorf("unexpected command 0x%04x", rsp.CommandField())}
			}
			if responded, _ := rsp.Uint16(dimse.TagMessageIDBeingRespondedTo); responded != msgID {
				return 0, dcmrelay.ErrProtocol{Op: "store response", Err: fmt.Errorf("response to message %d, expected %d", responded, msgID)}
			}
			status, ok := rsp.Status()
			if !ok {
				return 0, dcmrelay.ErrProtocol{Op: "store response", Err: errors.New("response carries no status")}
			}
			if dimse.Classify(status) == dimse.ClassPending {
				// The final response for msgID follows.
				log.Debugw("Store pending", "messageID", msgID, "status", fmt.Sprintf("0x%04x", status))
				buf = nil
				continue
			}
			return status, nil
		}
	}
}
