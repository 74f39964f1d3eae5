package ring

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Talkytitan5127/s3-storage/internal/metastore"
)

// Refresher keeps a Ring in sync with the live-node set from the server
// registry. The current snapshot is held behind an atomic pointer;
// readers always see either the old or the new ring, never a mix.
type Refresher struct {
	store        metastore.MetaStore
	window       time.Duration
	interval     time.Duration
	virtualNodes int
	log          *zap.Logger

	current atomic.Pointer[Ring]
	stop    chan struct{}
	done    chan struct{}
}

// NewRefresher builds a refresher over the given registry. window is the
// heartbeat liveness window, interval the rebuild period.
func NewRefresher(store metastore.MetaStore, window, interval time.Duration, virtualNodes int, log *zap.Logger) *Refresher {
	r := &Refresher{
		store:        store,
		window:       window,
		interval:     interval,
		virtualNodes: virtualNodes,
		log:          log,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	r.current.Store(Build(nil, virtualNodes))
	return r
}

// Current returns the latest published ring snapshot.
func (r *Refresher) Current() *Ring {
	return r.current.Load()
}

// RefreshNow rebuilds the ring from the registry immediately.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	servers, err := r.store.LiveServers(ctx, r.window)
	if err != nil {
		return err
	}

	members := make([]Member, 0, len(servers))
	for _, s := range servers {
		members = append(members, Member{ServerID: s.ServerID, Address: s.Address})
	}

	old := r.current.Load()
	r.current.Store(Build(members, r.virtualNodes))
	if old.Size() != len(members) {
		r.log.Info("hash ring membership changed",
			zap.Int("previous", old.Size()),
			zap.Int("live", len(members)))
	}
	return nil
}

// Start launches the periodic rebuild loop.
func (r *Refresher) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.RefreshNow(ctx); err != nil {
					r.log.Warn("hash ring refresh failed", zap.Error(err))
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the rebuild loop and waits for it to exit.
func (r *Refresher) Stop() {
	close(r.stop)
	<-r.done
}
