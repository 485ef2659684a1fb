package realtime

import (
	"errors"
	"time"

	"github.com/cloudzz-dev/estatemsg/internal/models"
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrDisconnected = errors.New("realtime: connection lost before acknowledgement")
	ErrAckTimeout   = errors.New("realtime: acknowledgement timed out")
	ErrStopped      = errors.New("realtime: manager stopped")
)

type EventType int

const (
	EventConnected EventType = iota + 1
	EventConnectError
	EventDisconnected
	EventReconnectFailed
	EventNewMessage
	EventMessageRead
	EventServerError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connect"
	case EventConnectError:
		return "connect_error"
	case EventDisconnected:
		return "disconnect"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventNewMessage:
		return "new_message"
	case EventMessageRead:
		return "message_read"
	case EventServerError:
		return "error"
	}
	return "unknown"
}

// Event is one item of the typed inbound stream. Only the fields relevant
// to Type are set.
type Event struct {
	Type      EventType
	Transport string
	Message   *models.Message
	Receipt   *models.ReadReceipt
	Err       error
	Reason    string
	Attempt   int
	Delay     time.Duration
}
