package supabase

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/creastat/convcache"
)

// classify wraps err for op. Transport failures and PostgREST connection
// or SQLSTATE resource errors match convcache.ErrStoreUnavailable; request,
// schema and constraint errors are returned as plain errors.
func classify(op string, err error) error {
	if transient(err) {
		return convcache.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	// A gateway in front of PostgREST answers with a non-JSON body.
	if strings.HasPrefix(msg, "error parsing error response") {
		return true
	}

	code, ok := errorCode(msg)
	if !ok {
		return false
	}
	// PGRST000-PGRST003 cover connection and pool failures.
	if strings.HasPrefix(code, "PGRST00") {
		return true
	}
	if len(code) == 5 {
		switch code[:2] {
		case "08", "40", "53", "57":
			return true
		}
	}
	return false
}

// errorCode extracts the code from a postgrest-go error of the form
// "(CODE) message".
func errorCode(msg string) (string, bool) {
	rest, ok := strings.CutPrefix(msg, "(")
	if !ok {
		return "", false
	}
	code, _, ok := strings.Cut(rest, ")")
	return code, ok
}
