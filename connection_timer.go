package silk

import (
	"time"

	"github.com/silktransport/silk/internal/utils"
)

type connectionTimer struct {
	timer *utils.Timer
}

func newTimer() *connectionTimer {
	return &connectionTimer{timer: utils.NewTimer()}
}

func (t *connectionTimer) SetRead() {
	t.timer.SetRead()
}

func (t *connectionTimer) Chan() <-chan time.Time {
	return t.timer.Chan()
}

// SetTimer arms the timer to the nearest of the connection's deadlines.
// Zero values mean the deadline is not pending.
func (t *connectionTimer) SetTimer(idleTimeout, ackAlarm, lossTime, keepAlive, rekey, migration, pacing time.Time) {
	deadline := idleTimeout
	deadline = utils.MinNonZeroTime(deadline, ackAlarm)
	deadline = utils.MinNonZeroTime(deadline, lossTime)
	deadline = utils.MinNonZeroTime(deadline, keepAlive)
	deadline = utils.MinNonZeroTime(deadline, rekey)
	deadline = utils.MinNonZeroTime(deadline, migration)
	deadline = utils.MinNonZeroTime(deadline, pacing)
	t.timer.Reset(deadline)
}

func (t *connectionTimer) Stop() {
	t.timer.Stop()
}
