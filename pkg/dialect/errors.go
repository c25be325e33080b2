package dialect

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"github.com/TFMV/sqlgate/pkg/errors"
)

var (
	authPatterns = []string{
		"access denied",
		"password authentication failed",
		"authentication failed",
		"invalid password",
		"invalid authorization",
	}
	missingDatabasePatterns = []string{
		"unknown database",
		"does not exist",
		"unable to open database file",
		"cannot open file",
	}
	unreachablePatterns = []string{
		"connection refused",
		"no such host",
		"i/o timeout",
		"network is unreachable",
		"connection reset",
		"could not connect",
		"can't connect",
		"dial tcp",
	}
)

// categorizeByMessage is the engine-independent fallback classification.
func categorizeByMessage(err error) string {
	if err == nil {
		return errors.CategoryUnknown
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.CategoryUnreachable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authPatterns):
		return errors.CategoryAuth
	case containsAny(msg, missingDatabasePatterns):
		return errors.CategoryDatabase
	case containsAny(msg, unreachablePatterns):
		return errors.CategoryUnreachable
	}
	return errors.CategoryUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
