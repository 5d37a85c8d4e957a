package natslog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rzbill/colla/internal/logservice"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// These tests need a JetStream-enabled server: COLLA_NATS_URL=nats://127.0.0.1:4222
func connectForTest(t *testing.T) *Service {
	t.Helper()
	url := os.Getenv("COLLA_NATS_URL")
	if url == "" {
		t.Skip("COLLA_NATS_URL not set")
	}
	svc, err := Connect(Options{URL: url, Logger: logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)), PollInterval: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

func TestPublishAndReplay(t *testing.T) {
	svc := connectForTest(t)
	ctx := context.Background()
	stream := uniqueName("colla_test__")
	if err := svc.EnsureStream(ctx, logservice.StreamConfig{Name: stream, MaxAge: time.Hour}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	t.Cleanup(func() { _ = svc.js.DeleteStream(stream) })
	for i := 0; i < 3; i++ {
		if _, err := svc.Publish(ctx, stream, []byte{byte(i)}, "sess-a"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	f, err := svc.Ephemeral(ctx, logservice.ConsumerConfig{Stream: stream, Start: logservice.StartAt(2), InactiveThreshold: 5 * time.Second})
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}
	defer f.Delete(ctx)
	got, err := f.Fetch(ctx, 10, 500*time.Millisecond)
	if err != nil || len(got) != 2 || got[0].Seq != 2 || got[0].Origin != "sess-a" {
		t.Fatalf("fetch: %+v %v", got, err)
	}

	tl, err := svc.Durable(ctx, logservice.ConsumerConfig{Stream: stream, Name: uniqueName("d"), Start: logservice.StartAt(3)})
	if err != nil {
		t.Fatalf("durable: %v", err)
	}
	defer tl.Delete(ctx)
	d, err := tl.Next(ctx)
	if err != nil || d.Entry().Seq != 3 {
		t.Fatalf("next: %v", err)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestKVRevisionGuard(t *testing.T) {
	svc := connectForTest(t)
	ctx := context.Background()
	bucket := uniqueName("colla_kv_")
	kv, err := svc.KeyValue(ctx, bucket)
	if err != nil {
		t.Fatalf("kv: %v", err)
	}
	t.Cleanup(func() { _ = svc.js.DeleteKeyValue(bucket) })
	rev, err := kv.Create(ctx, "k", []byte("a"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := kv.Create(ctx, "k", []byte("b")); !errors.Is(err, logservice.ErrKeyExists) {
		t.Fatalf("second create: %v", err)
	}
	if _, err := kv.Update(ctx, "k", []byte("c"), rev+100); !errors.Is(err, logservice.ErrWrongRevision) {
		t.Fatalf("stale update: %v", err)
	}
	if _, err := kv.Update(ctx, "k", []byte("c"), rev); err != nil {
		t.Fatalf("update: %v", err)
	}
}
