package workflow

import (
	"errors"
	"fmt"
	"time"

	"AvatarVideo-server/events"
)

var ErrWaitTimeout = errors.New("wait timed out")

// TimeoutError reports a WaitFor that reached its deadline without a match.
type TimeoutError struct {
	Topic  events.Topic
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waited %s for %s without a matching event", humanDuration(e.Waited), e.Topic)
}

func (e *TimeoutError) Unwrap() error { return ErrWaitTimeout }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth another attempt. The engine goes straight
// to OnFailure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrWaitTimeout)
}

// suspendError unwinds a run that has nothing to do before until. A run
// suspended on a wait also names the topic and the last event it looked at,
// so a publish that raced the suspension still wakes it.
type suspendError struct {
	until time.Time
	topic events.Topic
	seen  uint64
}

func (e *suspendError) Error() string {
	if e.topic != "" {
		return fmt.Sprintf("suspended on %s until %s", e.topic, e.until.Format(time.RFC3339))
	}
	return "suspended until " + e.until.Format(time.RFC3339)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	default:
		return d.String()
	}
}
