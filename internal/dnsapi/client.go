package dnsapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudflare/cloudflare-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// cfAPI is the slice of the Cloudflare client the DNS layer calls.
// *cloudflare.API satisfies it.
type cfAPI interface {
	ZoneIDByName(zoneName string) (string, error)
	CreateDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, params cloudflare.CreateDNSRecordParams) (cloudflare.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cloudflare.ResourceContainer, recordID string) error
}

// Client creates and deletes CNAME records on managed domains. Calls
// are throttled by a global rate limit and a per-domain concurrency
// cap, so a burst of cname requests cannot trip the API's abuse
// detection.
type Client struct {
	api     cfAPI
	log     *slog.Logger
	limiter *rate.Limiter
	domains map[string]bool

	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	zones map[string]string // domain -> zone id
	width int64
}

// New builds a client from config. The token comes exclusively from
// the environment; a missing token disables the DNS surface.
func New(cfg config.DNSConfig, log *slog.Logger) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, protocol.Errorf(protocol.KindPermissionDenied,
			"no Cloudflare API token configured").
			WithRecommendation("set GOHERD_CLOUDFLARE_API_TOKEN in the runtime environment")
	}
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("cloudflare client: %w", err)
	}
	return newClient(api, cfg, log), nil
}

func newClient(api cfAPI, cfg config.DNSConfig, log *slog.Logger) *Client {
	domains := map[string]bool{}
	for _, d := range cfg.Domains {
		domains[strings.ToLower(d)] = true
	}
	return &Client{
		api:     api,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate()), 1),
		domains: domains,
		sems:    map[string]*semaphore.Weighted{},
		zones:   map[string]string{},
		width:   cfg.Concurrency(),
	}
}

// Managed reports whether the domain is one this runtime may touch.
func (c *Client) Managed(domain string) bool {
	return c.domains[strings.ToLower(domain)]
}

// CreateCNAME creates a proxied CNAME <subdomain>.<domain> -> target
// and returns the record id.
func (c *Client) CreateCNAME(ctx context.Context, subdomain, domain, target string) (string, error) {
	if err := c.checkDomain(domain); err != nil {
		return "", err
	}
	release, err := c.acquire(ctx, domain)
	if err != nil {
		return "", err
	}
	defer release()

	zoneID, err := c.zoneID(ctx, domain)
	if err != nil {
		return "", err
	}

	proxied := true
	rec, err := c.api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.CreateDNSRecordParams{
		Type:    "CNAME",
		Name:    subdomain + "." + domain,
		Content: target,
		Proxied: &proxied,
		TTL:     1, // automatic
		Comment: "managed by goherd",
	})
	if err != nil {
		return "", translateCF(err, "create CNAME %s.%s", subdomain, domain)
	}
	c.log.Info("dns.cname_created",
		"hostname", subdomain+"."+domain, "target", target, "record_id", rec.ID)
	return rec.ID, nil
}

// DeleteRecord removes a record by id. A record that is already gone
// is not an error: deletion is the compensation path and must be
// idempotent.
func (c *Client) DeleteRecord(ctx context.Context, domain, recordID string) error {
	if err := c.checkDomain(domain); err != nil {
		return err
	}
	release, err := c.acquire(ctx, domain)
	if err != nil {
		return err
	}
	defer release()

	zoneID, err := c.zoneID(ctx, domain)
	if err != nil {
		return err
	}
	if err := c.api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), recordID); err != nil {
		if isNotFound(err) {
			c.log.Debug("dns.record_already_gone", "record_id", recordID)
			return nil
		}
		return translateCF(err, "delete DNS record %s", recordID)
	}
	c.log.Info("dns.record_deleted", "domain", domain, "record_id", recordID)
	return nil
}

func (c *Client) checkDomain(domain string) error {
	if !c.Managed(domain) {
		return protocol.Errorf(protocol.KindValidation,
			"domain %s is not managed by this runtime", domain).
			WithRecommendation("add it to dns.domains in config.json")
	}
	return nil
}

// acquire takes the per-domain slot and waits out the rate limiter.
func (c *Client) acquire(ctx context.Context, domain string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.sems[domain]
	if !ok {
		sem = semaphore.NewWeighted(c.width)
		c.sems[domain] = sem
	}
	c.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		sem.Release(1)
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// zoneID resolves and caches the zone for a domain. The legacy
// ZoneIDByName call carries no context; the surrounding rate limiter
// already honored ctx.
func (c *Client) zoneID(_ context.Context, domain string) (string, error) {
	c.mu.Lock()
	if id, ok := c.zones[domain]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := c.api.ZoneIDByName(domain)
	if err != nil {
		return "", translateCF(err, "resolve zone for %s", domain)
	}
	c.mu.Lock()
	c.zones[domain] = id
	c.mu.Unlock()
	return id, nil
}

func translateCF(err error, format string, args ...any) error {
	return protocol.Errorf(protocol.KindExternal, format+": %v", append(args, err)...).
		WithRecommendation("check Cloudflare API status and the token's zone permissions")
}

func isNotFound(err error) bool {
	var nf cloudflare.NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "81044") || // record does not exist
		strings.Contains(strings.ToLower(err.Error()), "not found")
}
