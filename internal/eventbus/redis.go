package eventbus

import "errors"

// ErrNotImplemented is returned by the Redis-backed Bus variant. Horizontal
// fanout across multiple dlmgrd processes is not supported yet; this stub
// documents the extension point without pulling in a Redis client for a
// path nothing exercises.
var ErrNotImplemented = errors.New("eventbus: redis-backed bus not implemented")

// NewRedisBus would construct a Bus whose Publish fans out through a Redis
// pub/sub channel so multiple dlmgrd processes can share subscribers. It
// always fails until that transport is built.
func NewRedisBus(addr string) (*Bus, error) {
	return nil, ErrNotImplemented
}
