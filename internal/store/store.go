// Package store implements the durable key/value abstraction the engine
// builds every entity repository on top of. It is backed by
// cockroachdb/pebble, the same embedded LSM-tree store the teacher
// repository persists accounts with (pkg/app/core/account/store.go).
//
// Pebble has no native hash, set, sorted-set, or scripted-CAS primitive, so
// each is adapted onto plain ordered key/value pairs:
//
//   - Hash   -> a single key holding a JSON-encoded blob.
//   - Set    -> keys sharing a prefix, membership is key-presence.
//   - ZSet   -> keys of prefix + big-endian(score) + member, so Pebble's
//     natural lexicographic iteration order is score order.
//   - eval   -> there is no embedded scripting; the one CAS the spec needs
//     (compare-token-then-delete for lock release) is implemented with an
//     in-process mutex, which is equivalent because this process is the
//     store's only writer.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Store is the abstract contract every entity repository is built on.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error

	HGet(key string, dest any) (bool, error)
	HSet(key string, value any) error

	SAdd(set string, member string) error
	SRem(set string, member string) error
	SMembers(set string) ([]string, error)

	ZAdd(zset string, score float64, member string) error
	ZRem(zset string, member string) error
	ZRangeByScore(zset string, min, max float64) ([]string, error)

	LPush(list string, value []byte) error
	LRange(list string, start, stop int) ([][]byte, error)
	LTrim(list string, start, stop int) error

	SetIfAbsent(key string, value []byte, ttl time.Duration) (bool, error)

	Close() error
}

// PebbleStore is the production Store implementation.
type PebbleStore struct {
	db *pebble.DB

	// casMu guards the in-process compare-and-delete used for lock
	// release. Pebble has no `eval`; since this process is the only
	// writer to its own db file, a mutex gives the same atomicity a
	// scripted CAS would against a shared store.
	casMu sync.Mutex

	// leases tracks SetIfAbsent TTLs in-process. Pebble has no native
	// expiry; expired leases are reclaimed lazily on next access.
	leaseMu sync.Mutex
	leases  map[string]time.Time
}

// Open mirrors the teacher's account.NewAccountManager(dbPath) pattern of
// opening a Pebble database at a configured path.
func Open(dbPath string) (*PebbleStore, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store at %s: %w", dbPath, err)
	}
	return &PebbleStore{db: db, leases: make(map[string]time.Time)}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

func (s *PebbleStore) Set(key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) HGet(key string, dest any) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(v, dest); err != nil {
		return true, fmt.Errorf("decode hash %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) HSet(key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode hash %s: %w", key, err)
	}
	return s.Set(key, b)
}

func setMemberKey(set, member string) string { return "set:" + set + ":" + member }
func setPrefix(set string) []byte            { return []byte("set:" + set + ":") }

func (s *PebbleStore) SAdd(set, member string) error {
	return s.Set(setMemberKey(set, member), []byte{1})
}

func (s *PebbleStore) SRem(set, member string) error {
	return s.Delete(setMemberKey(set, member))
}

func (s *PebbleStore) SMembers(set string) ([]string, error) {
	prefix := setPrefix(set)
	upper := upperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate set %s: %w", set, err)
	}
	defer iter.Close()

	members := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		members = append(members, string(iter.Key()[len(prefix):]))
	}
	return members, iter.Error()
}

// zsetKey encodes score as a big-endian uint64 so lexicographic byte order
// equals numeric order, including for negative scores (sign-flipped so the
// ordering stays monotone across the whole float64 range).
func zsetKey(zset string, score float64, member string) string {
	bits := math.Float64bits(score)
	if score >= 0 {
		bits ^= 0x8000000000000000
	} else {
		bits = ^bits
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return "zset:" + zset + ":" + string(buf) + ":" + member
}

func zsetPrefix(zset string) []byte { return []byte("zset:" + zset + ":") }

func decodeZScore(encoded []byte) float64 {
	bits := binary.BigEndian.Uint64(encoded)
	if bits&0x8000000000000000 != 0 {
		bits ^= 0x8000000000000000
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func (s *PebbleStore) ZAdd(zset string, score float64, member string) error {
	return s.Set(zsetKey(zset, score, member), []byte(member))
}

func (s *PebbleStore) ZRem(zset string, member string) error {
	// Score is unknown at removal time; scan the zset prefix for the
	// matching member. Trigger/liquidation index sizes are small enough
	// per-token that this linear scan is cheap relative to the lock cost
	// of tracking score alongside membership separately.
	prefix := zsetPrefix(zset)
	upper := upperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("scan zset %s for removal: %w", zset, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if string(iter.Value()) == member {
			key := append([]byte(nil), iter.Key()...)
			return s.Delete(string(key))
		}
	}
	return nil
}

func (s *PebbleStore) ZRangeByScore(zset string, min, max float64) ([]string, error) {
	prefix := zsetPrefix(zset)
	upper := upperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("range zset %s: %w", zset, err)
	}
	defer iter.Close()

	members := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefix):]
		if len(rest) < 8 {
			continue
		}
		score := decodeZScore(rest[:8])
		if score < min || score > max {
			continue
		}
		members = append(members, string(iter.Value()))
	}
	return members, iter.Error()
}

func listKeyPrefix(list string) []byte { return []byte("list:" + list + ":") }

// LPush prepends by writing at a descending sequence number so the natural
// iteration order is newest-first, matching the teacher's
// user:<addr>:settlements "newest first" convention.
func (s *PebbleStore) LPush(list string, value []byte) error {
	seqKey := "listseq:" + list
	raw, ok, err := s.Get(seqKey)
	var seq int64
	if err != nil {
		return err
	}
	if ok {
		seq = int64(binary.BigEndian.Uint64(raw))
	}
	seq++
	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, uint64(seq))
	if err := s.Set(seqKey, seqBuf); err != nil {
		return err
	}

	// Invert the sequence so higher seq (newer) sorts first.
	inv := make([]byte, 8)
	binary.BigEndian.PutUint64(inv, ^uint64(seq))
	key := append(listKeyPrefix(list), inv...)
	return s.Set(string(key), value)
}

func (s *PebbleStore) LRange(list string, start, stop int) ([][]byte, error) {
	prefix := listKeyPrefix(list)
	upper := upperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("range list %s: %w", list, err)
	}
	defer iter.Close()

	var all [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		all = append(all, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= len(all) {
		stop = len(all) - 1
	}
	if start > stop || start >= len(all) {
		return nil, nil
	}
	return all[start : stop+1], nil
}

func (s *PebbleStore) LTrim(list string, start, stop int) error {
	items, err := s.LRange(list, 0, -1)
	if err != nil {
		return err
	}
	prefix := listKeyPrefix(list)
	upper := upperBound(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	var keys [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if stop < 0 || stop >= len(items) {
		stop = len(items) - 1
	}
	for i, k := range keys {
		if i < start || i > stop {
			if err := s.Delete(string(k)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetIfAbsent implements the lease-lock primitive (§4.8): succeeds only if
// the key is absent or its TTL has elapsed.
func (s *PebbleStore) SetIfAbsent(key string, value []byte, ttl time.Duration) (bool, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if expiry, ok := s.leases[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}

	if err := s.Set(key, value); err != nil {
		return false, err
	}
	s.leases[key] = time.Now().Add(ttl)
	return true, nil
}

// CompareAndDelete is the store's stand-in for the spec's `eval` CAS
// release script: `if get(K)==A then del(K)`. See the package doc comment
// for why an in-process mutex is an equivalent adaptation here.
func (s *PebbleStore) CompareAndDelete(key string, expectedToken []byte) (bool, error) {
	s.casMu.Lock()
	defer s.casMu.Unlock()

	current, ok, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if !ok || !bytes.Equal(current, expectedToken) {
		return false, nil
	}

	s.leaseMu.Lock()
	delete(s.leases, key)
	s.leaseMu.Unlock()

	if err := s.Delete(key); err != nil {
		return false, err
	}
	return true, nil
}

func upperBound(prefix []byte) []byte {
	bound := append([]byte(nil), prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	return nil // prefix was all 0xff, unbounded scan
}
