// Package qmp is the parent package of the QMP message bridge.
// It holds the constants imposed by the remote co-processor and shared by the child packages:
// packet (validation and padding), mailbox (transports), dispatch (the single channel submitter), and bridge (the admin endpoint).
// Child packages are mostly self-contained; qmp provides the few shared values.
package qmp

import (
	"errors"
	"time"
)

// MaxMsgSize is the largest unpadded message (in bytes) the remote will accept.
// Imposed by the remote; do not raise it without a matching firmware change.
const MaxMsgSize int = 96

// Alignment is the byte boundary the remote's packet framing expects message sizes to land on.
const Alignment int = 4

// TxTimeout is how long a blocking submission may wait for the transport to accept a packet.
const TxTimeout time.Duration = 100 * time.Millisecond

// Device is the default name the bridge identifies itself by when requesting a channel.
// Transports that address the remote by path (CoAP) use it as the resource name.
const Device string = "aop"

// ErrNilCtx is returned by subroutines that block when they are handed a nil context.
var ErrNilCtx = errors.New("do not pass nil contexts; use context.TODO or context.Background instead")

// AlignUp rounds n up to the next multiple of Alignment.
// Negative values are treated as 0.
func AlignUp(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + Alignment - 1) &^ (Alignment - 1)
}
