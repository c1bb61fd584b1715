package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goherd doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.PostgresDSN == "" {
		fmt.Printf("    %-12s GOHERD_POSTGRES_DSN not set\n", "DSN:")
	} else {
		fmt.Printf("    %-12s set (from environment)\n", "DSN:")
		checkDatabase(cfg.Database.PostgresDSN)
	}

	// Cloudflare / tunnel
	fmt.Println()
	fmt.Println("  Tunnel:")
	checkSecretValue("API token", cfg.DNS.APIToken)
	if len(cfg.DNS.Domains) > 0 {
		fmt.Printf("    %-12s %s\n", "Domains:", strings.Join(cfg.DNS.Domains, ", "))
	} else {
		fmt.Printf("    %-12s (none configured)\n", "Domains:")
	}
	if cfg.Tunnel.TunnelID != "" {
		fmt.Printf("    %-12s %s\n", "Tunnel ID:", cfg.Tunnel.TunnelID)
	} else {
		fmt.Printf("    %-12s (not configured)\n", "Tunnel ID:")
	}
	checkIngressFiles(config.ExpandHome(cfg.Tunnel.IngressFile()))

	// External tools
	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("tmux")
	checkBinary("docker")
	checkBinary("cloudflared")
	checkBinary("systemctl")
	checkBinary("git")

	// Directories
	fmt.Println()
	checkDir("Workspaces", config.ExpandHome(cfg.Handoff.Root()))
	checkVaultDir(config.ExpandHome(cfg.Secrets.VaultDir()))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	switch {
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: goherd migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed — run: goherd migrate up)\n", "Schema:", s.CurrentVersion)
	}

	pending, err := upgrade.PendingHooks(context.Background(), db)
	if err == nil && len(pending) > 0 {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	} else if err == nil {
		fmt.Printf("    %-12s all applied\n", "Data hooks:")
	}
}

func checkSecretValue(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}

func checkDir(name, path string) {
	fmt.Printf("  %s: %s", name, path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
}

// checkVaultDir also flags permissive modes; the vault is written 0700.
func checkVaultDir(path string) {
	fmt.Printf("  Secrets: %s", path)
	info, err := os.Stat(path)
	switch {
	case err != nil:
		fmt.Println(" (NOT FOUND)")
	case info.Mode().Perm()&0o077 != 0:
		fmt.Printf(" (INSECURE MODE %o — run: chmod 700 %s)\n", info.Mode().Perm(), path)
	default:
		fmt.Println(" (OK)")
	}
}

// checkIngressFiles compares the live ingress config with its backup
// and flags a tunnel id mismatch.
func checkIngressFiles(path string) {
	fmt.Printf("    %-12s %s", "Ingress:", path)
	live, err := readIngressTunnelID(path)
	if err != nil {
		fmt.Println(" (NOT FOUND)")
		return
	}
	fmt.Println(" (OK)")

	bak, err := readIngressTunnelID(path + ".bak")
	if err != nil {
		return
	}
	if bak != live {
		fmt.Printf("    %-12s live tunnel %q != backup tunnel %q\n", "Backup:", live, bak)
	} else {
		fmt.Printf("    %-12s matches live config\n", "Backup:")
	}
}

func readIngressTunnelID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		Tunnel string `yaml:"tunnel"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.Tunnel, nil
}
