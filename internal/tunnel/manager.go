package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/dockerintel"
	"github.com/nextlevelbuilder/goherd/internal/events"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// targetSelector answers where the ingress should point for a
// project's port.
type targetSelector interface {
	SelectTarget(project string, port int) (*dockerintel.Target, error)
}

// portDirectory is the slice of the port directory the saga validates
// against.
type portDirectory interface {
	List(ctx context.Context, project string) ([]store.PortAssignment, error)
	InRange(port int) bool
	VerifyLive(ctx context.Context, host string, port int) (bool, error)
}

// dnsClient creates and deletes the external DNS records.
type dnsClient interface {
	Managed(domain string) bool
	CreateCNAME(ctx context.Context, subdomain, domain, target string) (string, error)
	DeleteRecord(ctx context.Context, domain, recordID string) error
}

// daemonReloader restarts the tunnel daemon and reports liveness.
type daemonReloader interface {
	Reload(ctx context.Context) error
	Active(ctx context.Context) (bool, error)
}

// Manager runs the CNAME lifecycle. Creation is a pipeline of steps
// with compensations: any failure after the DNS record exists deletes
// that record and restores the ingress file byte-for-byte, so a failed
// call leaves no external trace.
type Manager struct {
	cnames  store.CNAMEStore
	dns     dnsClient
	intel   targetSelector
	ports   portDirectory
	ingress *Ingress
	reload  daemonReloader
	logger  *events.Logger
	log     *slog.Logger
	cfg     config.TunnelConfig
	domains []string

	// serializes ingress read-modify-write cycles
	ingressMu sync.Mutex
}

func NewManager(cnames store.CNAMEStore, dns dnsClient, intel targetSelector,
	ports portDirectory, ingress *Ingress, reload daemonReloader,
	logger *events.Logger, log *slog.Logger, cfg config.TunnelConfig, domains []string) *Manager {
	return &Manager{
		cnames:  cnames,
		dns:     dns,
		intel:   intel,
		ports:   ports,
		ingress: ingress,
		reload:  reload,
		logger:  logger,
		log:     log,
		cfg:     cfg,
		domains: domains,
	}
}

// CNAMERequest asks for a public hostname in front of a project's
// service port.
type CNAMERequest struct {
	Subdomain  string
	Domain     string
	Port       int
	Project    string
	InstanceID string // audit trail; optional
}

// RequestCNAME runs the full pipeline: validate, pick target, create
// DNS record, patch ingress, reload, and only then commit the row.
func (m *Manager) RequestCNAME(ctx context.Context, req CNAMERequest) (*store.CNAME, error) {
	cn, err := m.requestCNAME(ctx, req)
	if err != nil {
		m.audit(ctx, req.InstanceID, protocol.EventCNAMEFailed, map[string]any{
			"hostname": req.Subdomain + "." + req.Domain,
			"project":  req.Project,
			"error":    err.Error(),
		})
		return nil, err
	}
	m.audit(ctx, req.InstanceID, protocol.EventCNAMECreated, map[string]any{
		"hostname":    cn.Hostname(),
		"target":      cn.Target,
		"target_type": cn.TargetType,
		"project":     cn.Project,
	})
	return cn, nil
}

func (m *Manager) requestCNAME(ctx context.Context, req CNAMERequest) (*store.CNAME, error) {
	// Step 1: the port must be an active assignment with a live service.
	if err := m.validateRequest(ctx, req); err != nil {
		return nil, err
	}

	// Step 2: hostname must be free.
	if _, err := m.cnames.GetByHostname(ctx, req.Subdomain, req.Domain); err == nil {
		return nil, protocol.Errorf(protocol.KindConflict,
			"%s.%s already exists", req.Subdomain, req.Domain).
			WithRecommendation("choose a different subdomain or delete the existing CNAME")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Step 3: known zone.
	if !m.dns.Managed(req.Domain) {
		return nil, protocol.Errorf(protocol.KindValidation,
			"domain %s is not a managed zone", req.Domain)
	}
	if m.cfg.TunnelID == "" {
		return nil, protocol.Errorf(protocol.KindValidation,
			"no tunnel_id configured").
			WithRecommendation("set tunnel.tunnel_id in config.json or GOHERD_TUNNEL_ID")
	}

	// Step 4: pick the ingress target from live topology.
	target, err := m.intel.SelectTarget(req.Project, req.Port)
	if err != nil {
		return nil, err
	}

	hostname := req.Subdomain + "." + req.Domain

	// Step 5: DNS record. Everything after this point compensates on
	// failure.
	recordID, err := m.dns.CreateCNAME(ctx, req.Subdomain, req.Domain, m.cfg.TunnelID+".cfargotunnel.com")
	if err != nil {
		return nil, err
	}

	// Step 6: ingress rule ahead of the catch-all.
	m.ingressMu.Lock()
	defer m.ingressMu.Unlock()
	icfg, raw, err := m.ingress.Load()
	if err != nil {
		m.compensateDNS(ctx, req.Domain, recordID)
		return nil, err
	}
	icfg.Upsert(hostname, target.URL)
	if err := m.ingress.Save(icfg); err != nil {
		m.compensateDNS(ctx, req.Domain, recordID)
		return nil, protocol.Errorf(protocol.KindInternal, "write ingress config: %v", err)
	}

	// Step 7: reload and verify. Step 8: on failure undo 5 and 6.
	if err := m.reload.Reload(ctx); err != nil {
		m.compensateIngress(raw)
		m.compensateDNS(ctx, req.Domain, recordID)
		return nil, err
	}

	// Step 9: commit.
	cn := &store.CNAME{
		Subdomain:   req.Subdomain,
		Domain:      req.Domain,
		Target:      target.URL,
		TargetType:  target.Type,
		Project:     req.Project,
		DNSRecordID: recordID,
	}
	if err := m.cnames.Insert(ctx, cn); err != nil {
		m.compensateIngress(raw)
		m.compensateDNS(ctx, req.Domain, recordID)
		if strings.Contains(err.Error(), "already") {
			return nil, protocol.Errorf(protocol.KindConflict,
				"%s was created concurrently", hostname)
		}
		return nil, err
	}

	m.log.Info("tunnel.cname_created",
		"hostname", hostname, "target", target.URL, "target_type", target.Type, "project", req.Project)
	return cn, nil
}

func (m *Manager) validateRequest(ctx context.Context, req CNAMERequest) error {
	if !subdomainRe.MatchString(req.Subdomain) {
		return protocol.Errorf(protocol.KindValidation, "invalid subdomain %q", req.Subdomain)
	}
	if req.Domain == "" || req.Project == "" {
		return protocol.Errorf(protocol.KindValidation, "domain and project are required")
	}
	if !m.ports.InRange(req.Port) {
		return protocol.Errorf(protocol.KindValidation,
			"port %d is outside the managed range", req.Port)
	}

	assignments, err := m.ports.List(ctx, req.Project)
	if err != nil {
		return err
	}
	var owned bool
	for _, pa := range assignments {
		if pa.Port == req.Port {
			owned = true
			break
		}
	}
	if !owned {
		return protocol.Errorf(protocol.KindValidation,
			"port %d is not assigned to project %s", req.Port, req.Project).
			WithRecommendation("allocate a port first with ports.get_or_allocate")
	}

	live, err := m.ports.VerifyLive(ctx, "", req.Port)
	if err != nil {
		return err
	}
	if !live {
		return protocol.Errorf(protocol.KindUnreachable,
			"nothing is listening on port %d", req.Port).
			WithRecommendation("start the service before requesting a CNAME")
	}
	return nil
}

// DeleteCNAME reverses the pipeline. Non-meta callers may only delete
// their own project's hostnames.
func (m *Manager) DeleteCNAME(ctx context.Context, hostname, requester string, isMeta bool) error {
	subdomain, domain, ok := splitHostname(hostname)
	if !ok {
		return protocol.Errorf(protocol.KindValidation, "invalid hostname %q", hostname)
	}

	cn, err := m.cnames.GetByHostname(ctx, subdomain, domain)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.KindNotFound, "no CNAME for %s", hostname)
	}
	if err != nil {
		return err
	}
	if !isMeta && cn.Project != requester {
		return protocol.Errorf(protocol.KindPermissionDenied,
			"%s belongs to project %s", hostname, cn.Project).
			WithRecommendation("only the owning project or a meta supervisor may delete it")
	}

	m.ingressMu.Lock()
	defer m.ingressMu.Unlock()
	icfg, raw, err := m.ingress.Load()
	if err != nil {
		return err
	}
	icfg.Remove(hostname)
	if err := m.ingress.Save(icfg); err != nil {
		return protocol.Errorf(protocol.KindInternal, "write ingress config: %v", err)
	}
	if err := m.reload.Reload(ctx); err != nil {
		m.compensateIngress(raw)
		return err
	}

	if err := m.dns.DeleteRecord(ctx, domain, cn.DNSRecordID); err != nil {
		// The rule is gone and the daemon reloaded; the record is now
		// orphaned, which is safe (it points at the tunnel). Surface
		// the error so the operator cleans it up.
		return err
	}
	if err := m.cnames.Delete(ctx, subdomain, domain); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	m.log.Info("tunnel.cname_deleted", "hostname", hostname, "requester", requester)
	return nil
}

func (m *Manager) ListCNAMEs(ctx context.Context, project string) ([]store.CNAME, error) {
	return m.cnames.List(ctx, project)
}

// ListDomains returns the zones this runtime manages.
func (m *Manager) ListDomains() []string {
	out := make([]string, len(m.domains))
	copy(out, m.domains)
	return out
}

// Status summarizes daemon and ingress state.
type Status struct {
	Active    bool   `json:"active"`
	TunnelID  string `json:"tunnel_id,omitempty"`
	Mode      string `json:"mode"`
	RuleCount int    `json:"rule_count"`
	CNAMEs    int    `json:"cnames"`
}

func (m *Manager) Status(ctx context.Context) (*Status, error) {
	active, err := m.reload.Active(ctx)
	if err != nil {
		m.log.Warn("tunnel.status_probe_failed", "error", err)
	}
	icfg, _, err := m.ingress.Load()
	if err != nil {
		return nil, err
	}
	rows, err := m.cnames.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return &Status{
		Active:    active,
		TunnelID:  m.cfg.TunnelID,
		Mode:      m.cfg.Reload(),
		RuleCount: len(icfg.Ingress),
		CNAMEs:    len(rows),
	}, nil
}

func (m *Manager) compensateDNS(ctx context.Context, domain, recordID string) {
	if err := m.dns.DeleteRecord(ctx, domain, recordID); err != nil {
		m.log.Error("tunnel.rollback_dns_failed", "record_id", recordID, "error", err)
	}
}

func (m *Manager) compensateIngress(raw []byte) {
	if err := m.ingress.Restore(raw); err != nil {
		m.log.Error("tunnel.rollback_ingress_failed", "error", err)
	}
}

func (m *Manager) audit(ctx context.Context, instanceID, eventType string, data map[string]any) {
	if instanceID == "" || m.logger == nil {
		return
	}
	if _, err := m.logger.Log(ctx, events.LogRequest{
		InstanceID: instanceID,
		EventType:  eventType,
		Data:       data,
	}); err != nil {
		m.log.Warn("tunnel.audit_failed", "event_type", eventType, "error", err)
	}
}

func splitHostname(hostname string) (subdomain, domain string, ok bool) {
	idx := strings.Index(hostname, ".")
	if idx <= 0 || idx == len(hostname)-1 {
		return "", "", false
	}
	return hostname[:idx], hostname[idx+1:], true
}
