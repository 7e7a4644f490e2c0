package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("k"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get("k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("get = %q, %v, %v", v, ok, err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get("k"); ok {
		t.Error("expected key to be gone after delete")
	}
}

type testHash struct {
	Name string
	N    int
}

func TestHashRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.HSet("h:1", testHash{Name: "a", N: 1}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	var out testHash
	ok, err := s.HGet("h:1", &out)
	if err != nil || !ok {
		t.Fatalf("hget ok=%v err=%v", ok, err)
	}
	if out.Name != "a" || out.N != 1 {
		t.Errorf("hget = %+v, want {a 1}", out)
	}
}

func TestSetMembership(t *testing.T) {
	s := openTestStore(t)
	if err := s.SAdd("myset", "x"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	if err := s.SAdd("myset", "y"); err != nil {
		t.Fatalf("sadd: %v", err)
	}
	members, err := s.SMembers("myset")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 entries", members)
	}
	if err := s.SRem("myset", "x"); err != nil {
		t.Fatalf("srem: %v", err)
	}
	members, _ = s.SMembers("myset")
	if len(members) != 1 || members[0] != "y" {
		t.Errorf("members after srem = %v, want [y]", members)
	}
}

func TestZSetOrdering(t *testing.T) {
	s := openTestStore(t)
	if err := s.ZAdd("z", 5, "five"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := s.ZAdd("z", -1, "neg"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := s.ZAdd("z", 10, "ten"); err != nil {
		t.Fatalf("zadd: %v", err)
	}

	members, err := s.ZRangeByScore("z", 0, 10)
	if err != nil {
		t.Fatalf("zrange: %v", err)
	}
	if len(members) != 2 || members[0] != "five" || members[1] != "ten" {
		t.Errorf("ZRangeByScore(0,10) = %v, want [five ten]", members)
	}

	if err := s.ZRem("z", "ten"); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	members, _ = s.ZRangeByScore("z", -100, 100)
	if len(members) != 2 {
		t.Errorf("expected 2 members after removing ten, got %v", members)
	}
}

func TestListPushRangeNewestFirst(t *testing.T) {
	s := openTestStore(t)
	for _, v := range []string{"a", "b", "c"} {
		if err := s.LPush("l", []byte(v)); err != nil {
			t.Fatalf("lpush: %v", err)
		}
	}
	vals, err := s.LRange("l", 0, -1)
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(vals) != 3 || string(vals[0]) != "c" {
		t.Fatalf("LRange newest-first = %v, want [c b a]", toStrings(vals))
	}
}

func TestSetIfAbsentTTL(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.SetIfAbsent("lock:x", []byte("token"), 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected first SetIfAbsent to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = s.SetIfAbsent("lock:x", []byte("token2"), 20*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected second SetIfAbsent to fail while lease live, ok=%v err=%v", ok, err)
	}
	time.Sleep(30 * time.Millisecond)
	ok, err = s.SetIfAbsent("lock:x", []byte("token3"), 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected SetIfAbsent to succeed after TTL expiry, ok=%v err=%v", ok, err)
	}
}

func TestCompareAndDelete(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.SetIfAbsent("lock:y", []byte("tok-a"), time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ok, err := s.CompareAndDelete("lock:y", []byte("tok-b"))
	if err != nil {
		t.Fatalf("compare-and-delete: %v", err)
	}
	if ok {
		t.Error("expected CAS to fail with the wrong token")
	}
	ok, err = s.CompareAndDelete("lock:y", []byte("tok-a"))
	if err != nil || !ok {
		t.Fatalf("expected CAS to succeed with the right token, ok=%v err=%v", ok, err)
	}
}

func toStrings(b [][]byte) []string {
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = string(v)
	}
	return out
}
