package dnsapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cloudflare/cloudflare-go"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

type fakeCF struct {
	mu          sync.Mutex
	zoneCalls   int32
	created     []cloudflare.CreateDNSRecordParams
	deleted     []string
	createErr   error
	deleteErr   error
	maxInflight int32
	inflight    int32
}

func (f *fakeCF) ZoneIDByName(zoneName string) (string, error) {
	atomic.AddInt32(&f.zoneCalls, 1)
	return "zone-" + zoneName, nil
}

func (f *fakeCF) CreateDNSRecord(_ context.Context, _ *cloudflare.ResourceContainer, params cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		old := atomic.LoadInt32(&f.maxInflight)
		if cur <= old || atomic.CompareAndSwapInt32(&f.maxInflight, old, cur) {
			break
		}
	}
	if f.createErr != nil {
		return cloudflare.DNSRecord{}, f.createErr
	}
	f.mu.Lock()
	f.created = append(f.created, params)
	f.mu.Unlock()
	return cloudflare.DNSRecord{ID: "rec-" + params.Name}, nil
}

func (f *fakeCF) DeleteDNSRecord(_ context.Context, _ *cloudflare.ResourceContainer, recordID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, recordID)
	f.mu.Unlock()
	return nil
}

func newTestClient(api *fakeCF) *Client {
	return newClient(api, config.DNSConfig{
		APIToken:      "test-token",
		Domains:       []string{"example.com"},
		RatePerSecond: 10000, // tests should not sit in the limiter
	}, slog.New(slog.DiscardHandler))
}

func TestCreateCNAME(t *testing.T) {
	api := &fakeCF{}
	c := newTestClient(api)

	id, err := c.CreateCNAME(context.Background(), "app", "example.com", "tunnel-id.cfargotunnel.com")
	if err != nil {
		t.Fatal(err)
	}
	if id != "rec-app.example.com" {
		t.Errorf("record id = %q", id)
	}
	if len(api.created) != 1 {
		t.Fatalf("created = %d", len(api.created))
	}
	p := api.created[0]
	if p.Type != "CNAME" || p.Name != "app.example.com" || p.Content != "tunnel-id.cfargotunnel.com" {
		t.Errorf("params = %+v", p)
	}
	if p.Proxied == nil || !*p.Proxied {
		t.Error("record not proxied")
	}
}

func TestUnmanagedDomainRejected(t *testing.T) {
	c := newTestClient(&fakeCF{})

	_, err := c.CreateCNAME(context.Background(), "app", "evil.com", "t")
	if protocol.KindOf(err) != protocol.KindValidation {
		t.Fatalf("kind = %v", protocol.KindOf(err))
	}
	if err := c.DeleteRecord(context.Background(), "evil.com", "rec-1"); protocol.KindOf(err) != protocol.KindValidation {
		t.Fatalf("delete kind = %v", protocol.KindOf(err))
	}
}

func TestZoneIDCached(t *testing.T) {
	api := &fakeCF{}
	c := newTestClient(api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.CreateCNAME(ctx, "app", "example.com", "t"); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&api.zoneCalls); n != 1 {
		t.Errorf("zone lookups = %d, want 1", n)
	}
}

func TestAPIErrorIsExternal(t *testing.T) {
	api := &fakeCF{createErr: errors.New("HTTP 500")}
	c := newTestClient(api)

	_, err := c.CreateCNAME(context.Background(), "app", "example.com", "t")
	if protocol.KindOf(err) != protocol.KindExternal {
		t.Fatalf("kind = %v (%v)", protocol.KindOf(err), err)
	}
	if perr := protocol.AsError(err); perr == nil || perr.Recommendation == "" {
		t.Errorf("missing recommendation: %v", err)
	}
}

func TestDeleteMissingRecordIsIdempotent(t *testing.T) {
	api := &fakeCF{deleteErr: errors.New("record does not exist (81044)")}
	c := newTestClient(api)

	if err := c.DeleteRecord(context.Background(), "example.com", "rec-gone"); err != nil {
		t.Fatalf("delete of missing record: %v", err)
	}
}

func TestPerDomainConcurrencyCap(t *testing.T) {
	api := &fakeCF{}
	c := newClient(api, config.DNSConfig{
		APIToken:      "test-token",
		Domains:       []string{"example.com"},
		MaxConcurrent: 2,
		RatePerSecond: 10000,
	}, slog.New(slog.DiscardHandler))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = c.CreateCNAME(context.Background(), "app", "example.com", "t")
		}(i)
	}
	wg.Wait()

	if max := atomic.LoadInt32(&api.maxInflight); max > 2 {
		t.Errorf("max in-flight = %d, want <= 2", max)
	}
}

func TestMissingTokenRefused(t *testing.T) {
	_, err := New(config.DNSConfig{Domains: []string{"example.com"}}, slog.New(slog.DiscardHandler))
	if protocol.KindOf(err) != protocol.KindPermissionDenied {
		t.Fatalf("kind = %v", protocol.KindOf(err))
	}
}
