package ptymux

import (
	"fmt"
	"time"

	"github.com/outpostlabs/sessiond/sessionstore"
)

// RestartRecovery bulk-terminates every row the store still reports as
// active. A restart means every PTY this process owned is gone — no shell
// survives a process exit — so an active row (socket attached, shell
// presumed live) is stale; a paused row is left alone since its whole point
// is surviving across a disconnect and resuming the session re-spawns its
// shell lazily. This must run before session.NewManager is constructed, so
// the manager's own cache reconciliation sees already-cleaned state.
func RestartRecovery(store *sessionstore.Store, now time.Time) (int64, error) {
	n, err := store.BulkTerminateActive(now)
	if err != nil {
		return 0, fmt.Errorf("ptymux: restart recovery: %w", err)
	}
	return n, nil
}
