package sessions

import (
	"sync/atomic"

	"github.com/valyala/fastrand"
)

// pidgen hands out broker-assigned packet ids for queued QoS >= 1 messages.
// Ids start at a random point so id collisions across restarts are unlikely,
// and 0 is never handed out.
type pidgen struct {
	v uint32
}

func newPidgen() *pidgen {
	return &pidgen{v: fastrand.Uint32n(math16)}
}

const math16 = 65535

func (this *pidgen) next() uint16 {
	for {
		v := atomic.AddUint32(&this.v, 1)
		if pid := uint16(v % math16); pid != 0 {
			return pid
		}
	}
}
