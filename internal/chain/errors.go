package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRangeTooLarge indicates the provider refused a log query because the
// result set would exceed its response limit. Callers recover by bisecting
// the block range; every other RPC failure is treated as transient.
var ErrRangeTooLarge = errors.New("chain: log query range too large")

// Providers word the refusal differently; there is no error code to key on.
var rangeTooLargePatterns = []string{
	"max results",
	"query exceeds",
	"too many results",
	"response size exceeded",
	"block range is too wide",
	"range too large",
}

func classifyFilterError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range rangeTooLargePatterns {
		if strings.Contains(msg, pattern) {
			return fmt.Errorf("%w: %s", ErrRangeTooLarge, err)
		}
	}
	return err
}
