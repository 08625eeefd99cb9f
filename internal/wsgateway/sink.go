package wsgateway

import (
	"encoding/json"
	"errors"
)

// errSendBufferFull marks a connection whose outbound buffer is saturated --
// registry.NotifySubscribers treats this as a lost connection.
var errSendBufferFull = errors.New("wsgateway: send buffer full")

// errConnClosed marks a delivery attempted after the connection was torn
// down.
var errConnClosed = errors.New("wsgateway: connection closed")

// wsSink implements registry.EventSink by JSON-encoding the payload and
// queueing it on a connection's buffered send channel, non-blocking so a
// slow reader cannot stall the barrier that is delivering to it. The send
// channel is never closed; done gates deliveries racing with connection
// teardown.
type wsSink struct {
	send chan []byte
	done chan struct{}
}

func (s *wsSink) Deliver(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errConnClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}
