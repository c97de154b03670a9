// Package server exposes the relay's admin HTTP API: readiness, manual
// re-announcement, and forwarding of owned or announced studies.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/metrics"
	"github.com/dcmshare/dcmrelay/relay"
	"github.com/dcmshare/dcmrelay/scu"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dcmrelay/server")

const maxRequestBody = 4 << 10

type (
	// Announcer re-sends the notification of an ingested study.
	Announcer interface {
		Announce(ctx context.Context, studyUID string) error
	}
	// Fetcher forwards owned or announced studies.
	Fetcher interface {
		Fetch(ctx context.Context, ref dcmrelay.StudyRef) (*scu.Report, error)
		FetchOwned(ctx context.Context, studyUID string) (*scu.Report, error)
	}
)

type Server struct {
	s         *http.Server
	metrics   *metrics.Metrics
	announcer Announcer
	fetcher   Fetcher
}

// responseWriterWithStatus is required to capture status code from
// ResponseWriter so that it can be reported to metrics in a unified way.
type responseWriterWithStatus struct {
	http.ResponseWriter
	status int
}

func newResponseWriterWithStatus(w http.ResponseWriter) *responseWriterWithStatus {
	return &responseWriterWithStatus{
		ResponseWriter: w,
		// 200 status should be assumed by default if WriteHeader hasn't been
		// called explicitly.
		status: 200,
	}
}

func (rec *responseWriterWithStatus) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// New instantiates the admin server. fetcher may be nil when no forward
// destination is configured; the forwarding endpoints then answer 501.
func New(addr string, announcer Announcer, fetcher Fetcher, options ...Option) (*Server, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if announcer == nil {
		return nil, errors.New("announcer is required")
	}

	mux := http.NewServeMux()
	s := &Server{
		metrics:   opts.metrics,
		announcer: announcer,
		fetcher:   fetcher,
		s: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("/studies/", s.handleStudiesSubtree)
	mux.HandleFunc("/fetch", s.handleFetch)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/", s.handleCatchAll)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.s.Handler
}

func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.s.Addr)
	if err != nil {
		return err
	}
	go func() { _ = s.s.Serve(ln) }()

	log.Infow("Server started", "addr", ln.Addr())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.s.Shutdown(ctx)
}

func (s *Server) recordLatency(w http.ResponseWriter, r *http.Request, path string) (http.ResponseWriter, func()) {
	if s.metrics == nil {
		return w, func() {}
	}
	ws := newResponseWriterWithStatus(w)
	start := time.Now()
	return ws, func() {
		s.metrics.RecordHttpLatency(context.Background(), time.Since(start), r.Method, path, ws.status)
	}
}

// handleStudiesSubtree serves /studies/<uid>/announce and
// /studies/<uid>/forward.
func (s *Server) handleStudiesSubtree(w http.ResponseWriter, r *http.Request) {
	uid, action, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/studies/"), "/")
	if !ok || (action != "announce" && action != "forward") {
		http.Error(w, "", http.StatusNotFound)
		return
	}
	w, done := s.recordLatency(w, r, "studies/"+action)
	defer done()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}
	uid = dcmrelay.TrimUID(uid)
	if !dcmrelay.ValidUID(uid) {
		http.Error(w, fmt.Sprintf("invalid study instance UID %q", uid), http.StatusBadRequest)
		return
	}

	switch action {
	case "announce":
		if err := s.announcer.Announce(r.Context(), uid); err != nil {
			s.handleError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case "forward":
		if s.fetcher == nil {
			http.Error(w, "forwarding is not configured", http.StatusNotImplemented)
			return
		}
		report, err := s.fetcher.FetchOwned(r.Context(), uid)
		s.writeForwardResponse(w, uid, report, err)
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	w, done := s.recordLatency(w, r, "fetch")
	defer done()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}
	if s.fetcher == nil {
		http.Error(w, "forwarding is not configured", http.StatusNotImplemented)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	var req FetchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ref, err := dcmrelay.ParseStudyRefToken(req.Ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	report, err := s.fetcher.Fetch(r.Context(), ref)
	s.writeForwardResponse(w, ref.Hash, report, err)
}

// writeForwardResponse reports a forward outcome as JSON. A failed forward
// that still produced a report keeps its counts in the body.
func (s *Server) writeForwardResponse(w http.ResponseWriter, study string, report *scu.Report, err error) {
	if err != nil && report == nil {
		s.handleError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		log.Errorw("Forward failed", "study", study, "err", err)
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(newForwardResponse(report, err)); err != nil {
		log.Errorw("Failed to write forward response", "study", study, "err", err)
	}
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dcmrelay.ErrUnknownStudy), errors.Is(err, relay.ErrEmptyStudy):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dcmrelay.ErrMissingStudyUID),
		errors.Is(err, dcmrelay.ErrMalformedNotification),
		errors.Is(err, dcmrelay.ErrAuthentication):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, new(dcmrelay.ErrMessaging)),
		errors.As(err, new(dcmrelay.ErrStorage)),
		errors.As(err, new(dcmrelay.ErrProtocol)),
		errors.As(err, new(scu.StoreError)):
		log.Errorw("Upstream failure", "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Errorw("Internal error", "err", err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.Error(w, dcmrelay.Version, http.StatusOK)
}

func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "", http.StatusNotFound)
}
