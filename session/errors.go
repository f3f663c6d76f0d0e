package session

import "errors"

// ErrChannelClosed is returned by Consume when the underlying AMQP channel
// closes, whether broker-initiated or because the connection dropped. The
// caller (worker) treats this as a signal to reconnect.
var ErrChannelClosed = errors.New("session: channel closed")
