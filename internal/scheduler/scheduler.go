package scheduler

import (
	"context"
	"path/filepath"
	"sync"

	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxConcurrent is how many downloads run at once unless configured
// otherwise.
const DefaultMaxConcurrent = 3

// Request is one download submission.
type Request struct {
	Model      models.Model
	Version    models.ModelVersion
	TargetPath string
	URL        string
	Hashes     models.Hashes
	PrimaryTag string
}

// FileName is the request's target base name, used for deduplication and
// progress reporting.
func (r Request) FileName() string {
	return filepath.Base(r.TargetPath)
}

// Notifier receives lifecycle events for submitted downloads. Calls are made
// from the scheduler goroutine (Progress from download goroutines) and must
// not block for long.
type Notifier interface {
	Queued(req Request)
	Started(req Request)
	Progress(fileName string, received, total int64)
	FileCompleted(req Request, sizeMB float64)
	GatheringImages(req Request)
	FullyCompleted(req Request)
	Failed(req Request, err error)
}

// Enricher runs the post-download work for a completed file: history
// recording, metadata persistence and gallery image fetching.
type Enricher interface {
	Enrich(ctx context.Context, req Request, res downloader.Result) error
}

// Recorder writes download outcomes into the history ledger. Satisfied by
// *database.Ledger.
type Recorder interface {
	RecordDownload(model models.Model, version models.ModelVersion, filePath string, fileSizeMB float64, status, originalFileName, fileSHA256, primaryTag string) error
}

// FileDownloader fetches one file. Satisfied by *downloader.Downloader.
type FileDownloader interface {
	DownloadFile(ctx context.Context, targetFilepath, url string, hashes models.Hashes, progress downloader.ProgressFunc) (downloader.Result, error)
}

type taskKey struct {
	modelID   int
	versionID int
}

type task struct {
	req    Request
	cancel context.CancelFunc
}

type command struct {
	submit     *Request
	cancelKey  *taskKey
	fileDone   *fileDoneCmd
	enrichDone *enrichDoneCmd
}

type fileDoneCmd struct {
	key taskKey
	res downloader.Result
	err error
}

type enrichDoneCmd struct {
	req Request
	err error
}

// Scheduler serializes download lifecycle management through a single
// goroutine. At most maxConcurrent files download at once; further
// submissions wait in FIFO order. When a file finishes, the next queued
// download is promoted before enrichment starts, so a slow image fetch
// never holds a download slot.
type Scheduler struct {
	dl            FileDownloader
	notifier      Notifier
	enricher      Enricher
	recorder      Recorder
	maxConcurrent int

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	wg     sync.WaitGroup

	// scheduler goroutine state
	active map[taskKey]*task
	queued []Request
}

// New creates and starts a scheduler. maxConcurrent values below 1 fall back
// to DefaultMaxConcurrent.
func New(dl FileDownloader, notifier Notifier, enricher Enricher, recorder Recorder, maxConcurrent int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		dl:            dl,
		notifier:      notifier,
		enricher:      enricher,
		recorder:      recorder,
		maxConcurrent: maxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
		cmds:          make(chan command, 64),
		active:        make(map[taskKey]*task),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit schedules a download. Duplicates of an active or queued download,
// by file name or by (model, version), are dropped.
func (s *Scheduler) Submit(req Request) {
	select {
	case s.cmds <- command{submit: &req}:
	case <-s.ctx.Done():
	}
}

// Cancel aborts an active download or removes a queued one.
func (s *Scheduler) Cancel(modelID, versionID int) {
	key := taskKey{modelID, versionID}
	select {
	case s.cmds <- command{cancelKey: &key}:
	case <-s.ctx.Done():
	}
}

// Shutdown cancels all work and waits for the scheduler goroutine and any
// in-flight downloads to stop.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			for _, t := range s.active {
				t.cancel()
			}
			return
		case cmd := <-s.cmds:
			switch {
			case cmd.submit != nil:
				s.handleSubmit(*cmd.submit)
			case cmd.cancelKey != nil:
				s.handleCancel(*cmd.cancelKey)
			case cmd.fileDone != nil:
				s.handleFileDone(*cmd.fileDone)
			case cmd.enrichDone != nil:
				s.handleEnrichDone(*cmd.enrichDone)
			}
		}
	}
}

func (s *Scheduler) handleSubmit(req Request) {
	key := taskKey{req.Model.ID, req.Version.ID}
	if s.isDuplicate(key, req.FileName()) {
		log.Infof("Skipping duplicate download submission: %s", req.FileName())
		return
	}
	if len(s.active) < s.maxConcurrent {
		s.start(req)
		return
	}
	s.queued = append(s.queued, req)
	log.Debugf("Queued %s (%d active, %d queued)", req.FileName(), len(s.active), len(s.queued))
	s.notifier.Queued(req)
}

func (s *Scheduler) isDuplicate(key taskKey, fileName string) bool {
	if _, ok := s.active[key]; ok {
		return true
	}
	for _, t := range s.active {
		if t.req.FileName() == fileName {
			return true
		}
	}
	for _, q := range s.queued {
		if q.FileName() == fileName {
			return true
		}
		if q.Model.ID == key.modelID && q.Version.ID == key.versionID {
			return true
		}
	}
	return false
}

func (s *Scheduler) start(req Request) {
	key := taskKey{req.Model.ID, req.Version.ID}
	ctx, cancel := context.WithCancel(s.ctx)
	s.active[key] = &task{req: req, cancel: cancel}
	s.notifier.Started(req)

	fileName := req.FileName()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.dl.DownloadFile(ctx, req.TargetPath, req.URL, req.Hashes, func(received, total int64) {
			s.notifier.Progress(fileName, received, total)
		})
		select {
		case s.cmds <- command{fileDone: &fileDoneCmd{key: key, res: res, err: err}}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Scheduler) handleCancel(key taskKey) {
	if t, ok := s.active[key]; ok {
		log.Infof("Cancelling active download %s", t.req.FileName())
		s.recordFailure(t.req, t.req.TargetPath)
		t.cancel()
		// handleFileDone will see the cancellation error; mark the task
		// gone now so it is treated as already handled.
		delete(s.active, key)
		s.notifier.Failed(t.req, downloader.ErrCancelled)
		s.promote()
		return
	}
	for i, q := range s.queued {
		if q.Model.ID == key.modelID && q.Version.ID == key.versionID {
			log.Infof("Removing queued download %s", q.FileName())
			s.queued = append(s.queued[:i], s.queued[i+1:]...)
			s.recordFailure(q, q.TargetPath)
			s.notifier.Failed(q, downloader.ErrCancelled)
			return
		}
	}
}

func (s *Scheduler) handleFileDone(cmd fileDoneCmd) {
	t, ok := s.active[cmd.key]
	if !ok {
		// Cancelled while the completion signal was in flight.
		return
	}
	delete(s.active, cmd.key)

	if cmd.err != nil {
		log.WithError(cmd.err).Errorf("Download failed: %s", t.req.FileName())
		s.recordFailure(t.req, "")
		s.notifier.Failed(t.req, cmd.err)
		s.promote()
		return
	}

	sizeMB := float64(cmd.res.SizeBytes) / 1024 / 1024
	s.notifier.FileCompleted(t.req, sizeMB)

	// Free the download slot before enrichment starts.
	s.promote()

	s.notifier.GatheringImages(t.req)
	req := t.req
	res := cmd.res
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.enricher != nil {
			err = s.enricher.Enrich(s.ctx, req, res)
		}
		select {
		case s.cmds <- command{enrichDone: &enrichDoneCmd{req: req, err: err}}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Scheduler) handleEnrichDone(cmd enrichDoneCmd) {
	if cmd.err != nil {
		// Enrichment failures are isolated: the file is on disk and the
		// download still counts as complete.
		log.WithError(cmd.err).Warnf("Post-processing failed for %s", cmd.req.FileName())
	}
	s.notifier.FullyCompleted(cmd.req)
}

func (s *Scheduler) promote() {
	for len(s.queued) > 0 && len(s.active) < s.maxConcurrent {
		next := s.queued[0]
		s.queued = s.queued[1:]
		s.start(next)
	}
}

func (s *Scheduler) recordFailure(req Request, path string) {
	if s.recorder == nil || req.Model.ID == 0 || req.Version.ID == 0 {
		return
	}
	err := s.recorder.RecordDownload(req.Model, req.Version, path, 0,
		models.StatusFailed, req.FileName(), "", req.PrimaryTag)
	if err != nil {
		log.WithError(err).Warnf("Failed to record failed download %s", req.FileName())
	}
}
