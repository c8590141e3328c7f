package session

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// armQuestionTimer schedules the reveal trigger for the question at index.
// The firing is delivered as an ordinary inbox message tagged with the
// question index, so a race against human input resolves by arrival order
// and a stale firing is discarded by token mismatch.
func (s *Session) armQuestionTimer(index int, d time.Duration) {
	t := s.clock.NewTimer(d)
	s.timer = t
	go func() {
		select {
		case <-t.Chan():
			s.post(questionExpiredCmd{questionIndex: index})
		case <-s.quit:
			stopAndDrainTimer(t)
		}
	}()
}

// cancelQuestionTimer stops the active question timer. Cancellation is
// advisory only; correctness relies on the token check at delivery.
func (s *Session) cancelQuestionTimer() {
	if s.timer != nil {
		stopAndDrainTimer(s.timer)
		s.timer = nil
	}
}

// armGraceTimer schedules automatic leave for a disconnected participant.
// The generation snapshot invalidates the firing if the viewer rebinds
// (or disconnects again) before expiry.
func (s *Session) armGraceTimer(viewerID string, gen int) {
	t := s.clock.NewTimer(s.disconnectGrace)
	go func() {
		select {
		case <-t.Chan():
			s.post(graceExpiredCmd{viewerID: viewerID, gen: gen})
		case <-s.quit:
			stopAndDrainTimer(t)
		}
	}()
}

// armEndGraceTimer keeps a terminal session addressable for the grace
// window before the run loop exits and the registry drops the lobby.
func (s *Session) armEndGraceTimer() {
	t := s.clock.NewTimer(s.endGrace)
	go func() {
		select {
		case <-t.Chan():
			s.post(endGraceCmd{})
		case <-s.quit:
			stopAndDrainTimer(t)
		}
	}()
}

// stopAndDrainTimer stops a timer and drains its channel so the firing
// goroutine cannot leak, per the time.Timer.Stop documentation.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
