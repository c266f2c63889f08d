package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d-kuro/lmsclient/pkg/constants"
)

// Watcher refreshes the access token shortly before it expires.
type Watcher struct {
	coord    *Coordinator
	interval time.Duration
	lead     time.Duration
	log      logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher that checks every interval and refreshes when
// the access token expires within lead. Zero values use the defaults.
func NewWatcher(coord *Coordinator, interval, lead time.Duration) *Watcher {
	if interval <= 0 {
		interval = constants.RefreshCheckInterval
	}
	if lead <= 0 {
		lead = constants.RefreshLeadTime
	}
	return &Watcher{
		coord:    coord,
		interval: interval,
		lead:     lead,
		log:      coord.log,
	}
}

// Start begins periodic checking. Calling Start on a running watcher does nothing.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.log.WithFields(logrus.Fields{"interval": w.interval, "lead": w.lead}).Debug("token watcher started")
}

// Stop halts checking and waits for the loop to exit. The watcher may be started again.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.log.Debug("token watcher stopped")
}

// Running reports whether the watcher is started.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	refreshed, err := w.coord.RefreshIfExpiring(ctx, w.lead)
	if err != nil {
		w.log.WithError(err).Warn("proactive token refresh failed")
		return
	}
	if refreshed {
		w.log.Debug("proactive token refresh completed")
	}
}
