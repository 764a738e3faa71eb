package redis

import (
	"context"
	"os"
	"reflect"
	"strconv"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"evcc-ingest/internal/cache"
)

func TestEscapeGlob(t *testing.T) {
	cases := map[string]string{
		"evcc/abc/":   "evcc/abc/",
		"a*b?c":       `a\*b\?c`,
		"[x]":         `\[x\]`,
		`back\slash`:  `back\\slash`,
		"plain_under": "plain_under",
	}
	for in, want := range cases {
		if got := escapeGlob(in); got != want {
			t.Fatalf("escapeGlob(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := NewStore(nil, "cache"); err == nil {
		t.Fatal("expected nil client error")
	}
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewStore(client, ""); err == nil {
		t.Fatal("expected empty namespace error")
	}
	store, err := NewStore(client, "write", WithPrefix("test:"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if got := store.redisKey("evcc/a/updated"); got != "test:write:evcc/a/updated" {
		t.Fatalf("unexpected redis key %q", got)
	}
}

func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "evcc-ingest-it:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	ns, err := NewNamespaces(client, WithPrefix(prefix))
	if err != nil {
		t.Fatalf("namespaces: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := ns.Cache.Set(ctx, "evcc/a/site/pvPower", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ns.Cache.SetMeta(ctx, "evcc/a/site/pvPower", cache.Meta{LastWriteAt: now}); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if err := ns.Write.Set(ctx, "evcc/a/site/pvPower", "1"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := ns.Write.Set(ctx, "evcc/a/updated", "1700000000"); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := ns.Write.Set(ctx, "evcc/b/updated", "1700000000"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	value, ok, err := ns.Cache.Get(ctx, "evcc/a/site/pvPower")
	if err != nil || !ok || value != "1" {
		t.Fatalf("unexpected value %q ok=%v err=%v", value, ok, err)
	}
	meta, ok, err := ns.Cache.GetMeta(ctx, "evcc/a/site/pvPower")
	if err != nil || !ok || !meta.LastWriteAt.Equal(now) {
		t.Fatalf("unexpected meta %+v ok=%v err=%v", meta, ok, err)
	}

	keys, err := ns.Write.Keys(ctx, "evcc/a/")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if want := []string{"evcc/a/site/pvPower", "evcc/a/updated"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}

	for _, key := range []string{"evcc/a/site/pvPower", "evcc/a/updated", "evcc/b/updated"} {
		_ = ns.Write.Delete(ctx, key)
	}
	_ = ns.Cache.Delete(ctx, "evcc/a/site/pvPower")
	if _, ok, _ := ns.Write.Get(ctx, "evcc/a/updated"); ok {
		t.Fatal("expected staged key to be deleted")
	}
}
