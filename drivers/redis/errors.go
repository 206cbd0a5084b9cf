package redis

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/convcache"
)

// Server error prefixes that clear up on their own.
var transientPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

// classify wraps err for op. Network failures and the server errors in
// transientPrefixes match convcache.ErrStoreUnavailable; a closed client,
// command errors such as WRONGTYPE and decode errors do not.
func classify(op string, err error) error {
	if transient(err) {
		return convcache.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, prefix := range transientPrefixes {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	return false
}
