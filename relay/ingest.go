// Package relay ties the key store, the content codec, object storage and
// notifications together: the ingest path encrypts and uploads what the
// receiver staged, the fetch path brings announced studies back and forwards
// them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/part10"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("dcmrelay/relay")

// Ingester encrypts staged instances, uploads them and announces their
// studies. Staged plaintext is removed only once its upload is confirmed.
type Ingester struct {
	cfg        config
	stagingDir string
	ks         dcmrelay.KeyStore
	store      dcmrelay.ObjectStore
	queue      chan dcmrelay.Instance
	announcer  *announcer

	mu       sync.Mutex
	metadata map[string]dcmrelay.StudyMetadata
	// queued holds the staging paths waiting in queue.
	queued map[string]struct{}
}

// NewIngester instantiates an ingester. notifier may be nil, in which case
// studies are stored but never announced.
func NewIngester(stagingDir string, ks dcmrelay.KeyStore, store dcmrelay.ObjectStore, notifier Notifier, options ...Option) (*Ingester, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, err
	}
	return &Ingester{
		cfg:        opts,
		stagingDir: stagingDir,
		ks:         ks,
		store:      store,
		queue:      make(chan dcmrelay.Instance, opts.queueSize),
		announcer:  newAnnouncer(notifier, opts.announceDelay, opts.metrics),
		metadata:   make(map[string]dcmrelay.StudyMetadata),
		queued:     make(map[string]struct{}),
	}, nil
}

// Enqueue hands a staged instance over to the workers. It blocks while the
// queue is full. An instance whose staging file is already waiting in the
// queue is not queued twice.
func (in *Ingester) Enqueue(ctx context.Context, inst dcmrelay.Instance) error {
	_, err := in.enqueue(ctx, inst)
	return err
}

func (in *Ingester) enqueue(ctx context.Context, inst dcmrelay.Instance) (bool, error) {
	in.mu.Lock()
	if _, ok := in.queued[inst.Path]; ok {
		in.mu.Unlock()
		log.Debugw("Instance already queued", "sopInstanceUID", inst.SOPInstanceUID)
		return false, nil
	}
	in.queued[inst.Path] = struct{}{}
	in.mu.Unlock()

	select {
	case in.queue <- inst:
		return true, nil
	case <-ctx.Done():
		in.dequeued(inst.Path)
		return false, ctx.Err()
	}
}

func (in *Ingester) dequeued(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.queued, path)
}

// Run drains the queue with the configured number of workers until ctx is
// done, then sends any announcement still held back.
func (in *Ingester) Run(ctx context.Context) error {
	defer in.announcer.flush()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < in.cfg.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case inst := <-in.queue:
					in.dequeued(inst.Path)
					if err := in.Ingest(ctx, inst); err != nil {
						log.Errorw("Failed to ingest instance", "sopInstanceUID", inst.SOPInstanceUID, "err", err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// Ingest resolves the study key, encrypts the staged plaintext, uploads it and
// announces the study. A key store failure stops before anything is
// uploaded. A storage failure leaves the plaintext in place. A failed
// announcement is only logged.
func (in *Ingester) Ingest(ctx context.Context, inst dcmrelay.Instance) (err error) {
	start := time.Now()
	defer func() {
		if in.cfg.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			in.cfg.metrics.RecordIngest(ctx, time.Since(start), outcome)
		}
	}()

	study, err := dcmrelay.NewStudy(ctx, in.ks, inst.Study)
	if err != nil {
		return err
	}
	if study.Created() && in.cfg.metrics != nil {
		in.cfg.metrics.RecordStudyCreated(ctx)
	}
	plaintext, err := os.ReadFile(inst.Path)
	if err != nil {
		return fmt.Errorf("failed to read staged instance: %w", err)
	}
	key := study.Key()
	ciphertext, err := dcmrelay.Encrypt(plaintext, key[:])
	if err != nil {
		return err
	}

	cipherPath := filepath.Join(in.stagingDir, dcmrelay.DeriveID(key, dcmrelay.TrimUID(inst.SOPInstanceUID)))
	if err := part10.WriteAtomic(cipherPath, ciphertext); err != nil {
		return fmt.Errorf("failed to stage ciphertext: %w", err)
	}
	defer func() {
		if rerr := os.Remove(cipherPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			log.Warnw("Failed to remove staged ciphertext", "path", cipherPath, "err", rerr)
		}
	}()

	name := study.ObjectPath(inst.SOPInstanceUID)
	if err := in.store.Put(ctx, name, ciphertext); err != nil {
		log.Errorw("Upload failed; keeping staged plaintext", "path", inst.Path, "object", name, "err", err)
		return err
	}
	if err := os.Remove(inst.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnw("Failed to remove staged plaintext", "path", inst.Path, "err", err)
	}
	log.Infow("Ingested instance", "sopInstanceUID", inst.SOPInstanceUID, "object", name, "newStudy", study.Created())

	in.remember(study)
	in.announcer.schedule(ctx, study.Notification())
	return nil
}

func (in *Ingester) remember(study dcmrelay.Study) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.metadata[study.UID()] = study.Metadata()
}

// Announce sends the notification of a study that was ingested earlier. It
// never creates a key. The metadata comes from the last ingested instance, or
// after a restart from one of the study's stored objects.
func (in *Ingester) Announce(ctx context.Context, studyUID string) error {
	study, err := dcmrelay.LookupStudy(ctx, in.ks, studyUID)
	if err != nil {
		return err
	}
	if in.announcer.notifier == nil {
		return dcmrelay.ErrMessaging{Op: "announce", Err: errors.New("no notifier configured")}
	}
	in.mu.Lock()
	meta, ok := in.metadata[study.UID()]
	in.mu.Unlock()
	if !ok {
		meta, err = in.storedMetadata(ctx, study)
		if err != nil {
			log.Warnw("Announcing study without metadata", "study", study.Hash(), "err", err)
		}
		ok = err == nil
	}
	if ok {
		study = study.WithMetadata(meta)
		in.remember(study)
	}
	if err := in.announcer.notifier.Announce(ctx, study.Notification()); err != nil {
		return dcmrelay.ErrMessaging{Op: "announce", Err: err}
	}
	return nil
}

// storedMetadata decrypts the first stored object of study and reads the
// study metadata from it.
func (in *Ingester) storedMetadata(ctx context.Context, study dcmrelay.Study) (dcmrelay.StudyMetadata, error) {
	names, err := in.store.List(ctx, study.Hash()+"/")
	if err != nil {
		return dcmrelay.StudyMetadata{}, err
	}
	if len(names) == 0 {
		return dcmrelay.StudyMetadata{}, errors.New("no stored instances")
	}
	blob, err := in.store.Get(ctx, names[0])
	if err != nil {
		return dcmrelay.StudyMetadata{}, err
	}
	key := study.Key()
	plaintext, err := dcmrelay.Decrypt(blob, key[:])
	if err != nil {
		return dcmrelay.StudyMetadata{}, err
	}
	info, err := part10.Inspect(plaintext)
	if err != nil {
		return dcmrelay.StudyMetadata{}, err
	}
	return info.Study, nil
}

// Rescan enqueues the plaintext staging files left behind by earlier
// failures and returns how many it queued. It is meant to run before the
// receiver starts staging new instances.
func (in *Ingester) Rescan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(in.stagingDir)
	if err != nil {
		return 0, err
	}
	var n int
	for _, e := range entries {
		if !e.Type().IsRegular() || !dcmrelay.ValidUID(e.Name()) {
			continue
		}
		path := filepath.Join(in.stagingDir, e.Name())
		inst, err := stagedInstance(path)
		if err != nil {
			log.Warnw("Ignoring unreadable staging file", "path", path, "err", err)
			continue
		}
		queued, err := in.enqueue(ctx, inst)
		if err != nil {
			return n, err
		}
		if queued {
			n++
		}
	}
	if n > 0 {
		log.Infow("Re-enqueued staged instances", "count", n)
	}
	return n, nil
}

func stagedInstance(path string) (dcmrelay.Instance, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return dcmrelay.Instance{}, err
	}
	info, err := part10.Inspect(b)
	if err != nil {
		return dcmrelay.Instance{}, err
	}
	return dcmrelay.Instance{
		SOPClassUID:    info.SOPClassUID,
		SOPInstanceUID: info.SOPInstanceUID,
		TransferSyntax: info.Meta.TransferSyntaxUID,
		Path:           path,
		Study:          info.Study,
	}, nil
}
