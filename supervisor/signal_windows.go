//go:build windows

package supervisor

import "os"

// Windows has no SIGTERM delivery for unrelated processes; Terminate
// falls through to Kill after the grace period.
var stopSignal = os.Interrupt
