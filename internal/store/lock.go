package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrLockUnavailable is returned by WithLock when every retry is exhausted.
var ErrLockUnavailable = errors.New("store: lock unavailable")

func randomToken() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return []byte(hex.EncodeToString(b))
}

// WithLock attempts SETNX under key with a random per-call token; on
// success it runs fn and releases the lock via CompareAndDelete; on
// contention it retries with linear backoff (100ms * attempt) up to
// maxRetries, then returns ErrLockUnavailable.
func WithLock(s *PebbleStore, key string, ttl time.Duration, maxRetries int, fn func() error) error {
	token := randomToken()

	var acquired bool
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ok, err := s.SetIfAbsent(key, token, ttl)
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			acquired = true
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if !acquired {
		return ErrLockUnavailable
	}

	defer func() {
		released, err := s.CompareAndDelete(key, token)
		if err != nil || !released {
			// Lock lost mid-operation (TTL elapsed underneath us, or a
			// write raced the release). It is not treated as an error:
			// the next risk-engine tick reconciles derived state. The
			// release result is discarded and WithLock returns fn's
			// error unchanged, so callers are not told of the loss.
			_ = err
		}
	}()

	return fn()
}

// TryLock is the non-blocking variant: it attempts acquisition exactly
// once and returns ok=false immediately on contention rather than
// retrying.
func TryLock(s *PebbleStore, key string, ttl time.Duration) (release func() (bool, error), ok bool, err error) {
	token := randomToken()
	acquired, err := s.SetIfAbsent(key, token, ttl)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return func() (bool, error) {
		return s.CompareAndDelete(key, token)
	}, true, nil
}
