package tunnel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goherd/internal/config"
)

func newTestIngress(t *testing.T) *Ingress {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	return NewIngress(config.TunnelConfig{IngressPath: path})
}

func TestLoadMissingFileHasCatchAll(t *testing.T) {
	ing := newTestIngress(t)
	cfg, raw, err := ing.Load()
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Error("raw should be nil for a missing file")
	}
	if len(cfg.Ingress) != 1 || cfg.Ingress[0].Service != catchAllService {
		t.Errorf("ingress = %+v", cfg.Ingress)
	}
}

func TestUpsertKeepsCatchAllLast(t *testing.T) {
	cfg := &IngressConfig{Ingress: []IngressRule{{Service: catchAllService}}}

	cfg.Upsert("a.example.com", "http://localhost:18001")
	cfg.Upsert("b.example.com", "http://svc:8080")
	cfg.Upsert("a.example.com", "http://localhost:18002") // replace

	if len(cfg.Ingress) != 3 {
		t.Fatalf("rules = %+v", cfg.Ingress)
	}
	if cfg.Rule("a.example.com") != "http://localhost:18002" {
		t.Errorf("a rule = %q", cfg.Rule("a.example.com"))
	}
	last := cfg.Ingress[len(cfg.Ingress)-1]
	if last.Hostname != "" || last.Service != catchAllService {
		t.Errorf("catch-all not last: %+v", cfg.Ingress)
	}
}

func TestUpsertAddsCatchAllWhenAbsent(t *testing.T) {
	cfg := &IngressConfig{}
	cfg.Upsert("a.example.com", "http://localhost:18001")

	if len(cfg.Ingress) != 2 {
		t.Fatalf("rules = %+v", cfg.Ingress)
	}
	if cfg.Ingress[1].Service != catchAllService {
		t.Errorf("terminal rule = %+v", cfg.Ingress[1])
	}
}

func TestRemoveRule(t *testing.T) {
	cfg := &IngressConfig{}
	cfg.Upsert("a.example.com", "http://localhost:18001")
	cfg.Remove("a.example.com")
	cfg.Remove("missing.example.com")

	if len(cfg.Ingress) != 1 || cfg.Ingress[0].Service != catchAllService {
		t.Errorf("ingress = %+v", cfg.Ingress)
	}
}

func TestSaveWritesBackupAndRoundTrips(t *testing.T) {
	ing := newTestIngress(t)

	cfg := &IngressConfig{Tunnel: "tun-1", CredentialsFile: "/etc/cloudflared/tun-1.json"}
	cfg.Upsert("a.example.com", "http://localhost:18001")
	if err := ing.Save(cfg); err != nil {
		t.Fatal(err)
	}

	// Second save backs up the first version.
	cfg.Upsert("b.example.com", "http://localhost:18002")
	if err := ing.Save(cfg); err != nil {
		t.Fatal(err)
	}
	bak, err := os.ReadFile(ing.path + ".bak")
	if err != nil {
		t.Fatal(err)
	}
	if len(bak) == 0 {
		t.Error("empty backup")
	}

	got, _, err := ing.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Tunnel != "tun-1" || got.CredentialsFile != "/etc/cloudflared/tun-1.json" {
		t.Errorf("metadata lost: %+v", got)
	}
	if got.Rule("b.example.com") != "http://localhost:18002" {
		t.Errorf("rule = %q", got.Rule("b.example.com"))
	}
}

func TestRestore(t *testing.T) {
	ing := newTestIngress(t)

	cfg := &IngressConfig{}
	cfg.Upsert("a.example.com", "http://localhost:18001")
	if err := ing.Save(cfg); err != nil {
		t.Fatal(err)
	}
	_, raw, err := ing.Load()
	if err != nil {
		t.Fatal(err)
	}

	cfg.Upsert("b.example.com", "http://localhost:18002")
	if err := ing.Save(cfg); err != nil {
		t.Fatal(err)
	}

	if err := ing.Restore(raw); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(ing.path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(raw) {
		t.Error("restore did not reproduce prior bytes")
	}

	// Restoring nil removes the file entirely.
	if err := ing.Restore(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ing.path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
}
