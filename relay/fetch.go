package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/scu"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyStudy = errors.New("no objects stored for study")

// Forwarder sends a set of Part 10 files onward.
type Forwarder interface {
	Send(ctx context.Context, files []string) (*scu.Report, error)
}

// ReplyFunc receives a one-line outcome of a submitted fetch.
type ReplyFunc func(ctx context.Context, text string)

type fetchJob struct {
	ref   dcmrelay.StudyRef
	reply ReplyFunc
}

// Fetcher downloads announced studies, decrypts them into a per-job staging
// directory and forwards them.
type Fetcher struct {
	cfg        config
	stagingDir string
	ks         dcmrelay.KeyStore
	store      dcmrelay.ObjectStore
	forwarder  Forwarder
	jobs       chan fetchJob
}

func NewFetcher(stagingDir string, ks dcmrelay.KeyStore, store dcmrelay.ObjectStore, forwarder Forwarder, options ...Option) (*Fetcher, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(stagingDir, "fetch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Fetcher{
		cfg:        opts,
		stagingDir: dir,
		ks:         ks,
		store:      store,
		forwarder:  forwarder,
		jobs:       make(chan fetchJob, opts.queueSize),
	}, nil
}

// Fetch lists every object of the referenced study, downloads and decrypts
// each one, and forwards the resulting files. The job directory is removed
// whatever the outcome.
func (f *Fetcher) Fetch(ctx context.Context, ref dcmrelay.StudyRef) (report *scu.Report, err error) {
	start := time.Now()
	defer func() {
		if f.cfg.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			f.cfg.metrics.RecordFetch(ctx, time.Since(start), outcome)
		}
	}()

	names, err := f.store.List(ctx, ref.Hash+"/")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyStudy, ref.Hash)
	}

	jobDir := filepath.Join(f.stagingDir, uuid.NewString())
	if err := os.Mkdir(jobDir, 0o700); err != nil {
		return nil, err
	}
	defer func() {
		if rerr := os.RemoveAll(jobDir); rerr != nil {
			log.Warnw("Failed to remove fetch job directory", "dir", jobDir, "err", rerr)
		}
	}()

	files := make([]string, 0, len(names))
	for _, name := range names {
		blob, err := f.store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		plaintext, err := dcmrelay.Decrypt(blob, ref.Key[:])
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", name, err)
		}
		p := filepath.Join(jobDir, path.Base(name))
		if err := os.WriteFile(p, plaintext, 0o600); err != nil {
			return nil, err
		}
		files = append(files, p)
	}
	log.Infow("Fetched study", "study", ref.Hash, "instances", len(files))

	return f.forwarder.Send(ctx, files)
}

// FetchOwned forwards a study this relay ingested itself. It never creates a
// key.
func (f *Fetcher) FetchOwned(ctx context.Context, studyUID string) (*scu.Report, error) {
	study, err := dcmrelay.LookupStudy(ctx, f.ks, studyUID)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, study.Ref())
}

// Submit queues a fetch for the workers started by Run. reply, if not nil,
// receives the outcome. Submit blocks while the queue is full.
func (f *Fetcher) Submit(ctx context.Context, ref dcmrelay.StudyRef, reply ReplyFunc) error {
	select {
	case f.jobs <- fetchJob{ref: ref, reply: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes submitted fetches until ctx is done.
func (f *Fetcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.cfg.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case job := <-f.jobs:
					f.runJob(ctx, job)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (f *Fetcher) runJob(ctx context.Context, job fetchJob) {
	report, err := f.Fetch(ctx, job.ref)
	var text string
	if err != nil {
		log.Errorw("Fetch failed", "study", job.ref.Hash, "err", err)
		text = fmt.Sprintf("study %s: failed: %s", job.ref.Hash, err)
		if report != nil {
			text += " (" + report.String() + ")"
		}
	} else {
		text = fmt.Sprintf("study %s: %s", job.ref.Hash, report)
	}
	if job.reply != nil {
		job.reply(ctx, text)
	}
}
