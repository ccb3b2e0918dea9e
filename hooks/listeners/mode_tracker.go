package listeners

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nssync/core"
	"github.com/INLOpen/nssync/hooks"
)

var (
	modeMetricsOnce     sync.Once
	masterOnlyEntries   *expvar.Int
	masterOnlyExits     *expvar.Int
	masterOnlyMillisTot *expvar.Int
)

func initModeMetrics() {
	modeMetricsOnce.Do(func() {
		masterOnlyEntries = expvar.NewInt("replication_master_only_entries_total")
		masterOnlyExits = expvar.NewInt("replication_master_only_exits_total")
		masterOnlyMillisTot = expvar.NewInt("replication_master_only_millis_total")
	})
}

// ModeTrackerListener logs leader mode transitions and accumulates how long
// the leader has spent in master-only mode.
type ModeTrackerListener struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	enteredAt time.Time

	entries *expvar.Int
	exits   *expvar.Int
	millis  *expvar.Int
}

// NewModeTrackerListener creates a new listener for EventPostModeChange.
func NewModeTrackerListener(logger *slog.Logger) *ModeTrackerListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initModeMetrics()
	return &ModeTrackerListener{
		logger:  logger.With("component", "ModeTrackerListener"),
		now:     time.Now,
		entries: masterOnlyEntries,
		exits:   masterOnlyExits,
		millis:  masterOnlyMillisTot,
	}
}

func (l *ModeTrackerListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostModeChange {
		return nil
	}
	payload, ok := event.Payload().(hooks.ModeChangePayload)
	if !ok {
		l.logger.Error("Received PostModeChange event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lag := payload.CurrentOffset - payload.SyncOffset
	switch payload.To {
	case core.ModeMasterOnly:
		l.enteredAt = l.now()
		l.entries.Add(1)
		l.logger.Warn("Leader entered master-only mode; follower is behind",
			"current_offset", payload.CurrentOffset,
			"sync_offset", payload.SyncOffset,
			"lag_bytes", lag,
		)
	case core.ModeNormal:
		var spent time.Duration
		if !l.enteredAt.IsZero() {
			spent = l.now().Sub(l.enteredAt)
			l.millis.Add(spent.Milliseconds())
			l.enteredAt = time.Time{}
		}
		l.exits.Add(1)
		l.logger.Info("Leader left master-only mode",
			"current_offset", payload.CurrentOffset,
			"sync_offset", payload.SyncOffset,
			"duration", spent,
		)
	}
	return nil
}

func (l *ModeTrackerListener) Priority() int { return 100 }

// Mode changes are rare; running inline keeps the log lines ordered.
func (l *ModeTrackerListener) IsAsync() bool { return false }
