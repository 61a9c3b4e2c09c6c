package connector

import (
	"errors"
	"net"
	"syscall"
)

// transientErrnos are the "operation still in progress" class of failures
// worth another attempt. A refused connect is included because the peer
// may simply not be listening yet.
var transientErrnos = []syscall.Errno{
	syscall.EAGAIN,
	syscall.EINPROGRESS,
	syscall.EALREADY,
	syscall.ECONNREFUSED,
}

// isTransient reports whether a connect error should be retried.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
