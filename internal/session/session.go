package session

import (
	"errors"
	"net"
	"time"
)

func timeNowAdd(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// isTimeout отличает истекший read deadline от настоящих ошибок сокета
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
