package flasher

import (
	"errors"
	"fmt"

	"github.com/bigbag/k210-flasher/internal/protocol"
)

// ErrNoBoard is returned when every board variant was tried and none
// answered the ISP greeting.
var ErrNoBoard = errors.New("flasher: no supported board detected")

// BadResponseError reports a response outside the accepted-success set.
// Streaming phases retransmit on it; one-shot phases treat it as fatal.
type BadResponseError struct {
	Op   protocol.Op
	Code protocol.RetCode
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("flasher: bad response to %s: %s", e.Op, e.Code)
}

// RetryLimitError reports a chunk that kept failing past the retry cap.
type RetryLimitError struct {
	Attempts int
	Last     error
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("flasher: chunk failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryLimitError) Unwrap() error {
	return e.Last
}
