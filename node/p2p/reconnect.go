package p2p

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ReconnectInterval is the fixed tick named in spec.md §4.8: "every 5 s, for
// each known peer not in connected, attempt dial against a uniformly-random
// one of its entrypoints."
const ReconnectInterval = 5 * time.Second

// ReconnectLoop repeatedly dials every known peer lacking a READY
// connection. It runs until ctx is canceled, checking the stop condition
// only at tick boundaries (spec.md §5: "observes the stop flag at each tick
// boundary").
type ReconnectLoop struct {
	manager *Manager
	dialer  Dialer
	log     *logrus.Entry
}

func NewReconnectLoop(manager *Manager, dialer Dialer, log *logrus.Entry) *ReconnectLoop {
	return &ReconnectLoop{manager: manager, dialer: dialer, log: log}
}

func (r *ReconnectLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *ReconnectLoop) tick(ctx context.Context) {
	for _, kp := range r.manager.Store.All() {
		if kp.ID != "" && r.manager.IsConnected(kp.ID) {
			continue
		}
		entrypoint, ok := RandomEntrypoint(kp)
		if !ok {
			continue
		}
		go func(ep string) {
			if err := r.manager.Dial(ctx, r.dialer, ep); err != nil && r.log != nil {
				r.log.WithFields(logrus.Fields{"entrypoint": ep, "err": err}).Debug("reconnect dial failed")
			}
		}(entrypoint)
	}
}
