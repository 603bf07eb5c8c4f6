package realtime

import (
	"context"
	"testing"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/domain"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestMirror(t *testing.T, clk clock.Clock) (*miniredis.Miniredis, *RedisMirror) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, NewRedisMirror(client, "sensoralert:rt:", 5*time.Minute, clk)
}

func TestRedisMirrorRoundTrip(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	server, mirror := newTestMirror(t, clk)
	cache := NewCache(clk, mirror, nil)
	ctx := context.Background()

	cache.Upsert(ctx, domain.TelemetrySample{DeviceID: "dev-1", DeviceName: "Fridge", SampleTs: 42, Tmp: [domain.TempChannels]string{"4.2"}})
	cache.Upsert(ctx, domain.TelemetrySample{DeviceID: "dev-2", SampleTs: 43})

	if !server.Exists("sensoralert:rt:DEV-1") {
		t.Fatalf("expected mirrored key, have %v", server.Keys())
	}
	if ttl := server.TTL("sensoralert:rt:DEV-1"); ttl != 5*time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	got, err := mirror.GetMany(ctx, []string{"dev-1", "DEV-2", "dev-3"}, time.Minute)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 || got["DEV-1"].Sample.DeviceName != "Fridge" || got["DEV-1"].Sample.Tmp[0] != "4.2" {
		t.Fatalf("unexpected mirrored entries %+v", got)
	}

	entry, ok, err := mirror.Get(ctx, "dev-2", time.Minute)
	if err != nil || !ok || entry.Sample.SampleTs != 43 {
		t.Fatalf("unexpected get: %+v ok=%v err=%v", entry, ok, err)
	}
	if _, ok, err := mirror.Get(ctx, "dev-9", time.Minute); err != nil || ok {
		t.Fatalf("missing key must be absent: ok=%v err=%v", ok, err)
	}
}

func TestRedisMirrorHonoursMaxAge(t *testing.T) {
	t.Parallel()

	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	_, mirror := newTestMirror(t, clk)
	ctx := context.Background()
	if err := mirror.Write(ctx, Entry{ReceivedAt: clk.Now(), Sample: domain.TelemetrySample{DeviceID: "X"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	clk.Advance(11 * time.Second)
	got, err := mirror.GetMany(ctx, []string{"X"}, 10*time.Second)
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("stale mirrored entry must be omitted, got %+v", got)
	}
	if err := mirror.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
