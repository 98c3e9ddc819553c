package chain

import (
	"log/slog"

	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
)

// validTransition reports whether from → to is an edge of the status
// machine:
//
//	disconnected → connecting → connected
//	connected → connecting (refresh, poll)
//	error, disconnected → connecting (retry)
//	any → error, any → disconnected
//
// Re-entering the current state updates the message only.
func validTransition(from, to model.Status) bool {
	switch to {
	case model.StatusError, model.StatusDisconnected, model.StatusConnecting:
		return true
	case model.StatusConnected:
		return from == model.StatusConnecting || from == model.StatusConnected
	}
	return false
}

// transitionLocked moves the status to `to`. Reaching connected from
// error or disconnected (a fetch completing after a feed drop, or a feed
// reconnect) passes through connecting so every step is a valid edge.
func (s *Store) transitionLocked(to model.Status, message string) []Update {
	var updates []Update
	if !validTransition(s.status.Status, to) {
		updates = append(updates, s.setStatusLocked(model.StatusConnecting, message))
	}
	return append(updates, s.setStatusLocked(to, message))
}

func (s *Store) setStatusLocked(to model.Status, message string) Update {
	from := s.status.Status
	s.status = model.ConnectionStatus{
		Symbol:  s.symbol,
		Status:  to,
		Message: message,
		Since:   s.now(),
	}
	if from != to {
		metrics.StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
		metrics.SetConnectionStatus(string(to))
		slog.Debug("chain status", "symbol", s.symbol, "from", from, "to", to, "message", message)
	}
	return Update{Kind: UpdateStatus, Symbol: s.symbol, Status: s.status}
}
