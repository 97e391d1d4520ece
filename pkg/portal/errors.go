package portal

import (
	"context"
	"errors"
	"strings"

	"github.com/playwright-community/playwright-go"

	errs "schoolscraper/pkg/errors"
)

// classify maps browser failures onto the error taxonomy. Errors that are
// already classified pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var known *errs.Error
	switch {
	case errors.As(err, &known):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, playwright.ErrTimeout):
		return errs.Wrap(errs.KindTimeout, op, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return errs.Wrap(errs.KindUnexpectedPageState, op, err)
	case isNetworkMessage(err.Error()):
		return errs.Wrap(errs.KindNetwork, op, err)
	case strings.Contains(strings.ToLower(err.Error()), "strict mode violation"),
		strings.Contains(strings.ToLower(err.Error()), "not attached"):
		return errs.Wrap(errs.KindElementNotFound, op, err)
	default:
		return errs.Wrap(errs.KindUnexpectedPageState, op, err)
	}
}

func isNetworkMessage(msg string) bool {
	for _, marker := range []string{"net::ERR_", "NS_ERROR_", "ECONNREFUSED", "ECONNRESET", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
