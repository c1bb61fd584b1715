package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/dockerintel"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/memstore"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

type fakeDNS struct {
	created []string // "subdomain.domain -> target"
	deleted []string // record ids
	fail    bool
}

func (f *fakeDNS) Managed(domain string) bool { return domain == "example.com" }

func (f *fakeDNS) CreateCNAME(_ context.Context, subdomain, domain, target string) (string, error) {
	if f.fail {
		return "", protocol.Errorf(protocol.KindExternal, "api down")
	}
	f.created = append(f.created, subdomain+"."+domain+" -> "+target)
	return "rec-" + subdomain, nil
}

func (f *fakeDNS) DeleteRecord(_ context.Context, _ string, recordID string) error {
	f.deleted = append(f.deleted, recordID)
	return nil
}

type fakeSelector struct {
	target *dockerintel.Target
	err    error
}

func (f *fakeSelector) SelectTarget(string, int) (*dockerintel.Target, error) {
	return f.target, f.err
}

type fakePorts struct {
	assigned map[string][]int
	live     bool
}

func (f *fakePorts) List(_ context.Context, project string) ([]store.PortAssignment, error) {
	var out []store.PortAssignment
	for _, p := range f.assigned[project] {
		out = append(out, store.PortAssignment{Project: project, Port: p})
	}
	return out, nil
}

func (f *fakePorts) InRange(port int) bool { return port >= 18000 && port <= 18999 }

func (f *fakePorts) VerifyLive(context.Context, string, int) (bool, error) { return f.live, nil }

type fakeReloader struct {
	reloads   int
	reloadErr error
	active    bool
}

func (f *fakeReloader) Reload(context.Context) error {
	f.reloads++
	return f.reloadErr
}

func (f *fakeReloader) Active(context.Context) (bool, error) { return f.active, nil }

type managerFixture struct {
	m       *Manager
	dns     *fakeDNS
	rel     *fakeReloader
	ingress *Ingress
	stores  *store.Stores
	path    string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	stores := memstore.New()
	log := slog.New(slog.DiscardHandler)
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := config.TunnelConfig{IngressPath: path, TunnelID: "tun-1"}
	ing := NewIngress(cfg)
	dns := &fakeDNS{}
	rel := &fakeReloader{active: true}
	sel := &fakeSelector{target: &dockerintel.Target{URL: "http://localhost:18005", Type: "localhost"}}
	prt := &fakePorts{assigned: map[string][]int{"consilio": {18005}}, live: true}

	m := NewManager(stores.CNAMEs, dns, sel, prt, ing, rel, nil, log, cfg, []string{"example.com"})
	return &managerFixture{m: m, dns: dns, rel: rel, ingress: ing, stores: stores, path: path}
}

func TestRequestCNAMEHappyPath(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	cn, err := f.m.RequestCNAME(ctx, CNAMERequest{
		Subdomain: "demo", Domain: "example.com", Port: 18005, Project: "consilio",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cn.Target != "http://localhost:18005" || cn.TargetType != "localhost" {
		t.Errorf("cname = %+v", cn)
	}
	if cn.DNSRecordID != "rec-demo" {
		t.Errorf("record id = %q", cn.DNSRecordID)
	}
	if f.rel.reloads != 1 {
		t.Errorf("reloads = %d", f.rel.reloads)
	}

	icfg, _, err := f.ingress.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := icfg.Rule("demo.example.com"); got != "http://localhost:18005" {
		t.Errorf("ingress rule = %q", got)
	}
	last := icfg.Ingress[len(icfg.Ingress)-1]
	if last.Hostname != "" || last.Service != catchAllService {
		t.Errorf("catch-all not last: %+v", icfg.Ingress)
	}

	row, err := f.stores.CNAMEs.GetByHostname(ctx, "demo", "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if row.Project != "consilio" {
		t.Errorf("row = %+v", row)
	}
}

func TestReloadFailureRollsBackEverything(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// Seed an existing rule so the file has real prior contents.
	if _, err := f.m.RequestCNAME(ctx, CNAMERequest{
		Subdomain: "keep", Domain: "example.com", Port: 18005, Project: "consilio",
	}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatal(err)
	}

	f.rel.reloadErr = protocol.Errorf(protocol.KindExternal, "daemon stuck")
	_, err = f.m.RequestCNAME(ctx, CNAMERequest{
		Subdomain: "demo", Domain: "example.com", Port: 18005, Project: "consilio",
	})
	if protocol.KindOf(err) != protocol.KindExternal {
		t.Fatalf("kind = %v (%v)", protocol.KindOf(err), err)
	}

	// DNS record compensated.
	if len(f.dns.deleted) != 1 || f.dns.deleted[0] != "rec-demo" {
		t.Errorf("dns deletions = %v", f.dns.deleted)
	}
	// Ingress file byte-identical to its pre-call contents.
	after, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(before) {
		t.Errorf("ingress changed:\nbefore: %s\nafter: %s", before, after)
	}
	// No committed row.
	if _, err := f.stores.CNAMEs.GetByHostname(ctx, "demo", "example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row exists after rollback: %v", err)
	}
}

func TestRequestCNAMEValidation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CNAMERequest
		kind protocol.Kind
	}{
		{"bad subdomain", CNAMERequest{Subdomain: "UPPER!", Domain: "example.com", Port: 18005, Project: "consilio"}, protocol.KindValidation},
		{"port out of range", CNAMERequest{Subdomain: "demo", Domain: "example.com", Port: 80, Project: "consilio"}, protocol.KindValidation},
		{"port not assigned", CNAMERequest{Subdomain: "demo", Domain: "example.com", Port: 18006, Project: "consilio"}, protocol.KindValidation},
		{"unmanaged domain", CNAMERequest{Subdomain: "demo", Domain: "evil.com", Port: 18005, Project: "consilio"}, protocol.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.m.RequestCNAME(ctx, tc.req)
			if protocol.KindOf(err) != tc.kind {
				t.Errorf("kind = %v (%v)", protocol.KindOf(err), err)
			}
		})
	}
}

func TestRequestCNAMEDeadService(t *testing.T) {
	f := newManagerFixture(t)
	f.m.ports.(*fakePorts).live = false

	_, err := f.m.RequestCNAME(context.Background(), CNAMERequest{
		Subdomain: "demo", Domain: "example.com", Port: 18005, Project: "consilio",
	})
	if protocol.KindOf(err) != protocol.KindUnreachable {
		t.Fatalf("kind = %v (%v)", protocol.KindOf(err), err)
	}
}

func TestRequestCNAMEConflict(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	req := CNAMERequest{Subdomain: "demo", Domain: "example.com", Port: 18005, Project: "consilio"}

	if _, err := f.m.RequestCNAME(ctx, req); err != nil {
		t.Fatal(err)
	}
	_, err := f.m.RequestCNAME(ctx, req)
	if protocol.KindOf(err) != protocol.KindConflict {
		t.Fatalf("kind = %v", protocol.KindOf(err))
	}
}

func TestDeleteCNAMEOwnership(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if _, err := f.m.RequestCNAME(ctx, CNAMERequest{
		Subdomain: "demo", Domain: "example.com", Port: 18005, Project: "consilio",
	}); err != nil {
		t.Fatal(err)
	}

	err := f.m.DeleteCNAME(ctx, "demo.example.com", "other-project", false)
	if protocol.KindOf(err) != protocol.KindPermissionDenied {
		t.Fatalf("kind = %v", protocol.KindOf(err))
	}

	// Meta override works regardless of project.
	if err := f.m.DeleteCNAME(ctx, "demo.example.com", "meta", true); err != nil {
		t.Fatal(err)
	}
	if _, err := f.stores.CNAMEs.GetByHostname(ctx, "demo", "example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row still present: %v", err)
	}
	if len(f.dns.deleted) != 1 {
		t.Errorf("dns deletions = %v", f.dns.deleted)
	}
	icfg, _, err := f.ingress.Load()
	if err != nil {
		t.Fatal(err)
	}
	if icfg.Rule("demo.example.com") != "" {
		t.Error("ingress rule survived deletion")
	}
}

func TestDeleteCNAMEMissing(t *testing.T) {
	f := newManagerFixture(t)
	err := f.m.DeleteCNAME(context.Background(), "nope.example.com", "consilio", false)
	if protocol.KindOf(err) != protocol.KindNotFound {
		t.Fatalf("kind = %v", protocol.KindOf(err))
	}
}

func TestStatus(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if _, err := f.m.RequestCNAME(ctx, CNAMERequest{
		Subdomain: "demo", Domain: "example.com", Port: 18005, Project: "consilio",
	}); err != nil {
		t.Fatal(err)
	}

	st, err := f.m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Active || st.TunnelID != "tun-1" || st.CNAMEs != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.RuleCount != 2 { // demo rule + catch-all
		t.Errorf("rules = %d", st.RuleCount)
	}
}
