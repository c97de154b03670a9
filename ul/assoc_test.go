package ul_test

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dcmshare/dcmrelay/ul"
	"github.com/stretchr/testify/require"
)

const (
	ctImage      = "1.2.840.10008.5.1.4.1.1.2"
	mrImage      = "1.2.840.10008.5.1.4.1.1.4"
	implicitLE   = "1.2.840.10008.1.2"
	explicitLE   = "1.2.840.10008.1.2.1"
	jpegBaseline = "1.2.840.10008.1.2.4.50"
)

type accepted struct {
	assoc *ul.Association
	err   error
}

func negotiatePair(t *testing.T, acceptOpts ul.AcceptOptions, requestOpts ul.RequestOptions) (*ul.Association, *ul.Association) {
	t.Helper()
	server, client := net.Pipe()
	ch := make(chan accepted, 1)
	go func() {
		a, err := ul.Accept(server, acceptOpts)
		ch <- accepted{a, err}
	}()
	req, err := ul.Request(client, requestOpts)
	require.NoError(t, err)
	acc := <-ch
	require.NoError(t, acc.err)
	t.Cleanup(func() {
		_ = req.Close()
		_ = acc.assoc.Close()
	})
	return acc.assoc, req
}

func TestAssociation_Negotiation(t *testing.T) {
	acc, req := negotiatePair(t,
		ul.AcceptOptions{
			AETitle:          "RELAY",
			AbstractSyntaxes: []string{ctImage},
			TransferSyntaxes: []string{implicitLE, explicitLE},
			MaxPDULength:     32768,
		},
		ul.RequestOptions{
			CallingAETitle: "MODALITY",
			CalledAETitle:  "RELAY",
			MaxPDULength:   16384,
			Contexts: []ul.ProposedContext{
				{ID: 1, AbstractSyntax: ctImage, TransferSyntaxes: []string{jpegBaseline, explicitLE}},
				{ID: 3, AbstractSyntax: mrImage, TransferSyntaxes: []string{implicitLE}},
				{ID: 5, AbstractSyntax: ctImage, TransferSyntaxes: []string{jpegBaseline}},
			},
		})

	require.Equal(t, "MODALITY", acc.CallingAETitle())
	require.Equal(t, "RELAY", acc.CalledAETitle())
	require.Equal(t, uint32(16384), acc.PeerMaxPDULength())
	require.Equal(t, uint32(32768), req.PeerMaxPDULength())

	want := []ul.PresentationContext{
		{ID: 1, AbstractSyntax: ctImage, TransferSyntax: explicitLE, Result: ul.ResultAcceptance},
		{ID: 3, AbstractSyntax: mrImage, TransferSyntax: implicitLE, Result: ul.ResultAbstractSyntaxNotSupported},
		{ID: 5, AbstractSyntax: ctImage, TransferSyntax: jpegBaseline, Result: ul.ResultTransferSyntaxesNotSupported},
	}
	require.Equal(t, want, acc.PresentationContexts())
	got := req.PresentationContexts()
	require.Len(t, got, 3)
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].AbstractSyntax, got[i].AbstractSyntax)
		require.Equal(t, want[i].Result, got[i].Result)
	}
	require.True(t, got[0].Accepted())
	require.Equal(t, explicitLE, got[0].TransferSyntax)
}

func TestAssociation_EmptyTransferSyntaxesAcceptAny(t *testing.T) {
	tests := []struct {
		name     string
		proposed []string
		want     byte
		wantTS   string
	}{
		{name: "JPEG baseline", proposed: []string{jpegBaseline}, want: ul.ResultAcceptance, wantTS: jpegBaseline},
		{name: "RLE after malformed", proposed: []string{".1.2", "1.2.840.10008.1.2.5"}, want: ul.ResultAcceptance, wantTS: "1.2.840.10008.1.2.5"},
		{name: "too long", proposed: []string{"1." + strings.Repeat("2", 63)}, want: ul.ResultTransferSyntaxesNotSupported},
		{name: "letters", proposed: []string{"1.2.abc"}, want: ul.ResultTransferSyntaxesNotSupported},
		{name: "trailing dot", proposed: []string{"1.2."}, want: ul.ResultTransferSyntaxesNotSupported},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			acc, _ := negotiatePair(t,
				ul.AcceptOptions{AETitle: "RELAY", MaxPDULength: 16384},
				ul.RequestOptions{
					CallingAETitle: "MODALITY",
					CalledAETitle:  "RELAY",
					MaxPDULength:   16384,
					Contexts:       []ul.ProposedContext{{ID: 1, AbstractSyntax: ctImage, TransferSyntaxes: test.proposed}},
				})
			pc, ok := acc.PresentationContext(1)
			require.True(t, ok)
			require.Equal(t, test.want, pc.Result)
			if test.wantTS != "" {
				require.Equal(t, test.wantTS, pc.TransferSyntax)
			}
		})
	}
}

func TestAssociation_RejectsCalledAETitle(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() {
		_, _ = ul.Accept(server, ul.AcceptOptions{AETitle: "RELAY", RequireCalledAETitle: true})
	}()
	_, err := ul.Request(client, ul.RequestOptions{
		CallingAETitle: "MODALITY",
		CalledAETitle:  "SOMEONE",
		Contexts:       []ul.ProposedContext{{ID: 1, AbstractSyntax: ctImage, TransferSyntaxes: []string{implicitLE}}},
	})
	var rejected ul.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, byte(7), rejected.Reason)
}

func TestAssociation_SendPDataFragments(t *testing.T) {
	acc, req := negotiatePair(t,
		ul.AcceptOptions{AETitle: "RELAY", MaxPDULength: 4096, Timeout: 5 * time.Second},
		ul.RequestOptions{
			CallingAETitle: "MODALITY",
			CalledAETitle:  "RELAY",
			MaxPDULength:   4096,
			Contexts:       []ul.ProposedContext{{ID: 1, AbstractSyntax: ctImage, TransferSyntaxes: []string{implicitLE}}},
		})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 700)
	errs := make(chan error, 1)
	go func() { errs <- req.SendPData(1, false, payload) }()

	var got []byte
	var fragments int
	for {
		p, err := acc.Receive()
		require.NoError(t, err)
		pd, ok := p.(*ul.PDataTF)
		require.True(t, ok)
		require.Len(t, pd.Values, 1)
		pdv := pd.Values[0]
		require.LessOrEqual(t, len(pdv.Data), 4096-ul.PDVHeaderSize)
		require.False(t, pdv.Command)
		require.Equal(t, byte(1), pdv.ContextID)
		got = append(got, pdv.Data...)
		fragments++
		if pdv.Last {
			break
		}
	}
	require.NoError(t, <-errs)
	require.Equal(t, 3, fragments)
	require.Equal(t, payload, got)

	go func() { errs <- req.Release() }()
	p, err := acc.Receive()
	require.NoError(t, err)
	require.IsType(t, &ul.ReleaseRQ{}, p)
	require.NoError(t, acc.Send(&ul.ReleaseRP{}))
	require.NoError(t, <-errs)
}

func TestDecodePDU_Malformed(t *testing.T) {
	tests := []struct {
		name string
		typ  ul.PDUType
		body []byte
	}{
		{name: "empty P-DATA-TF", typ: ul.TypePDataTF, body: nil},
		{name: "PDV longer than PDU", typ: ul.TypePDataTF, body: []byte{0, 0, 0, 9, 1, 3, 0xaa}},
		{name: "PDV without header", typ: ul.TypePDataTF, body: []byte{0, 0, 0, 1, 1}},
		{name: "truncated associate", typ: ul.TypeAssociateRQ, body: make([]byte, 20)},
		{name: "short abort", typ: ul.TypeAbort, body: []byte{0}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ul.DecodePDU(test.typ, test.body)
			require.ErrorIs(t, err, ul.ErrMalformedPDU)
		})
	}

	_, err := ul.DecodePDU(ul.PDUType(0x09), nil)
	require.ErrorIs(t, err, ul.ErrUnknownPDU)
}

func TestReadPDU_TooLarge(t *testing.T) {
	b, err := ul.EncodePDU(&ul.PDataTF{Values: []ul.PDV{{ContextID: 1, Last: true, Data: make([]byte, 100)}}})
	require.NoError(t, err)
	_, err = ul.ReadPDU(bytes.NewReader(b), 50)
	require.ErrorIs(t, err, ul.ErrPDUTooLarge)

	p, err := ul.ReadPDU(bytes.NewReader(b), 200)
	require.NoError(t, err)
	require.Len(t, p.(*ul.PDataTF).Values[0].Data, 100)
}
