package secrets

import (
	"log/slog"
	"sort"
	"testing"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return NewVault(config.SecretsConfig{Dir: t.TempDir()}, slog.New(slog.DiscardHandler))
}

func TestSetGetRoundTrip(t *testing.T) {
	v := newTestVault(t)

	if err := v.Set("meta/cloudflare/zone_id", "abc123"); err != nil {
		t.Fatal(err)
	}
	got, err := v.Get("meta/cloudflare/zone_id")
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc123" {
		t.Errorf("value = %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Get("meta/cloudflare/nope")
	if protocol.KindOf(err) != protocol.KindNotFound {
		t.Fatalf("kind = %v", protocol.KindOf(err))
	}
}

func TestEnvOverrideWins(t *testing.T) {
	v := newTestVault(t)
	if err := v.Set("meta/cloudflare/dns_edit_token", "from-vault"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOHERD_CLOUDFLARE_API_TOKEN", "from-env")

	got, err := v.Get("meta/cloudflare/dns_edit_token")
	if err != nil {
		t.Fatal(err)
	}
	if got != "from-env" {
		t.Errorf("value = %q, want env override", got)
	}
}

func TestPathValidation(t *testing.T) {
	v := newTestVault(t)
	for _, bad := range []string{"", "flat", "UPPER/case", "a/../../../etc/passwd", "/abs/path"} {
		if err := v.Set(bad, "x"); protocol.KindOf(err) != protocol.KindValidation {
			t.Errorf("Set(%q) kind = %v", bad, protocol.KindOf(err))
		}
	}
	if err := v.Set("meta/svc/attr", ""); protocol.KindOf(err) != protocol.KindValidation {
		t.Errorf("empty value kind = %v", protocol.KindOf(err))
	}
}

func TestDeleteAndList(t *testing.T) {
	v := newTestVault(t)
	for _, k := range []string{"meta/cloudflare/token", "meta/gcloud/key", "proj/demo/db_pass"} {
		if err := v.Set(k, "v"); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := v.List("meta/")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "meta/cloudflare/token" || keys[1] != "meta/gcloud/key" {
		t.Errorf("keys = %v", keys)
	}

	if err := v.Delete("meta/gcloud/key"); err != nil {
		t.Fatal(err)
	}
	if err := v.Delete("meta/gcloud/key"); protocol.KindOf(err) != protocol.KindNotFound {
		t.Errorf("double delete kind = %v", protocol.KindOf(err))
	}

	all, err := v.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all = %v", all)
	}
}

func TestListEmptyVault(t *testing.T) {
	v := NewVault(config.SecretsConfig{Dir: t.TempDir() + "/never-created"}, slog.New(slog.DiscardHandler))
	keys, err := v.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("keys = %v", keys)
	}
}
