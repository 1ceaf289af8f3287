package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"
)

// QueueDepther reports the current depth of the downstream work queue, so
// the watcher can apply backpressure before it floods the grouper.
type QueueDepther interface {
	Depth() (int, error)
}

// settleState tracks a candidate file's last observed size so Watcher can
// detect when a write has finished landing on disk.
type settleState struct {
	size      int64
	firstSeen time.Time
	lastCheck time.Time
}

// Watcher monitors inputDir for new subband files, waits for each file's
// size to stabilize, and feeds discovered files to a Grouper. It sheds load
// by pausing grouping (but not settle-tracking) once the work queue crosses
// queueHighWater, resuming below queueLowWater.
type Watcher struct {
	inputDir        string
	settleInterval  time.Duration
	queueHighWater  int
	queueLowWater   int
	depth           QueueDepther
	grouper         *Grouper
	log             arbor.ILogger

	fsw     *fsnotify.Watcher
	pending map[string]*settleState
	pendMu  sync.Mutex

	paused  bool
	pauseMu sync.Mutex

	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// New constructs a Watcher. Call Start to begin watching.
func New(inputDir string, settleInterval time.Duration, queueHighWater, queueLowWater int,
	depth QueueDepther, grouper *Grouper, log arbor.ILogger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		inputDir:       inputDir,
		settleInterval: settleInterval,
		queueHighWater: queueHighWater,
		queueLowWater:  queueLowWater,
		depth:          depth,
		grouper:        grouper,
		log:            log,
		fsw:            fsw,
		pending:        make(map[string]*settleState),
		stopCh:         make(chan struct{}),
	}, nil
}

// Start begins watching inputDir. Directory disappearance after Start is
// fatal and reported on the returned error channel.
func (w *Watcher) Start() (<-chan error, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil, nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWithRetry(); err != nil {
		return nil, err
	}

	fatalCh := make(chan error, 1)

	go w.processEvents(fatalCh)
	go w.processDebounced()
	go w.watchDirLiveness(fatalCh)

	return fatalCh, nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.fsw.Close()
}

func (w *Watcher) addWithRetry() error {
	op := func() error {
		return w.fsw.Add(w.inputDir)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithMaxRetries(bo, 5))
}

func (w *Watcher) processEvents(fatalCh chan<- error) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.touch(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("ingest watcher error")
		}
	}
}

func (w *Watcher) touch(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		return
	}

	w.pendMu.Lock()
	defer w.pendMu.Unlock()

	st, ok := w.pending[path]
	now := time.Now()
	if !ok {
		w.pending[path] = &settleState{size: info.Size(), firstSeen: now, lastCheck: now}
		return
	}
	if info.Size() != st.size {
		st.size = info.Size()
		st.lastCheck = now
		return
	}
	// Size unchanged since last touch; lastCheck is left as-is so
	// processPendingFiles can measure how long it has been stable.
}

func (w *Watcher) processDebounced() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processPendingFiles()
			w.grouper.SweepExpired(time.Now())
		}
	}
}

func (w *Watcher) processPendingFiles() {
	w.pendMu.Lock()
	now := time.Now()
	var settled []string
	for path, st := range w.pending {
		if now.Sub(st.lastCheck) < w.settleInterval {
			continue
		}
		settled = append(settled, path)
	}
	for _, p := range settled {
		delete(w.pending, p)
	}
	w.pendMu.Unlock()

	for _, path := range settled {
		w.discover(path)
	}
}

func (w *Watcher) discover(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	name := filepath.Base(path)
	ts, sb, _, ok := ParseSubbandName(name)
	if !ok {
		w.log.Warn().Str("file", name).Msg("unparseable subband filename, left in place")
		return
	}

	if w.shouldShed() {
		// Leave the file undiscovered; it will be picked up again on the
		// next settle pass once the queue drains below the low-water mark.
		w.pendMu.Lock()
		w.pending[path] = &settleState{size: info.Size(), firstSeen: time.Now(), lastCheck: time.Now()}
		w.pendMu.Unlock()
		return
	}

	f := SubbandFile{
		Path:      path,
		Name:      name,
		Timestamp: ts,
		Subband:   sb,
		Size:      info.Size(),
		Mtime:     info.ModTime(),
	}

	event := w.grouper.Observe(f)
	w.log.Debug().Str("file", name).Str("event", event.String()).Msg("subband observed")
}

func (w *Watcher) shouldShed() bool {
	if w.depth == nil {
		return false
	}
	depth, err := w.depth.Depth()
	if err != nil {
		return false
	}

	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()

	if !w.paused && depth >= w.queueHighWater {
		w.paused = true
		w.log.Warn().Int("depth", depth).Int("high_water", w.queueHighWater).Msg("ingest backpressure engaged")
	} else if w.paused && depth < w.queueLowWater {
		w.paused = false
		w.log.Info().Int("depth", depth).Int("low_water", w.queueLowWater).Msg("ingest backpressure released")
	}
	return w.paused
}

func (w *Watcher) watchDirLiveness(fatalCh chan<- error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := os.Stat(w.inputDir); err != nil {
				w.log.Error().Err(err).Str("input_dir", w.inputDir).Msg("input directory disappeared")
				select {
				case fatalCh <- fmt.Errorf("input directory disappeared: %w", err):
				default:
				}
				return
			}
		}
	}
}
