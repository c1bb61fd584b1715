package dockerintel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// projectLabel marks a container as belonging to a project. Containers
// without it fall back to name-prefix matching.
const projectLabel = "com.goherd.project"

// composeLabel is what docker compose stamps on everything it starts.
const composeLabel = "com.docker.compose.project"

// dockerAPI is the one daemon call the poller makes. *client.Client
// satisfies it.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Entry is one cached container observation.
type Entry struct {
	ID       string
	Name     string
	Image    string
	State    string
	Labels   map[string]string
	Networks []string
	Ports    []PortMapping
	LastSeen time.Time
}

// PortMapping is a container port, host-published or not.
type PortMapping struct {
	Private int
	Public  int
}

// Target is a resolved ingress destination.
type Target struct {
	URL       string `json:"url"`
	Type      string `json:"type"` // "container" or "localhost"
	Container string `json:"container,omitempty"`
}

// Intel polls the container runtime and answers topology questions:
// which container backs a project's port, and whether the tunnel daemon
// can reach it by name.
type Intel struct {
	api    dockerAPI
	log    *slog.Logger
	cfg    config.DockerConfig
	daemon string // tunnel daemon container name

	mu    sync.RWMutex
	cache map[string]*Entry

	// test seams
	hostReachable func(port int) bool
	now           func() time.Time
}

// New connects to the local daemon from the environment. A missing
// daemon is not fatal: every poll logs and retries, and target
// selection degrades to localhost.
func New(cfg config.DockerConfig, daemonName string, log *slog.Logger) (*Intel, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newIntel(cli, cfg, daemonName, log), nil
}

func newIntel(api dockerAPI, cfg config.DockerConfig, daemonName string, log *slog.Logger) *Intel {
	if daemonName == "" {
		daemonName = "cloudflared"
	}
	return &Intel{
		api:           api,
		log:           log,
		cfg:           cfg,
		daemon:        daemonName,
		cache:         map[string]*Entry{},
		hostReachable: probeHostPort,
		now:           time.Now,
	}
}

// Run is the worker loop: one poll per interval.
func (in *Intel) Run(ctx context.Context) error {
	if err := in.Poll(ctx); err != nil {
		in.log.Warn("docker.initial_poll_failed", "error", err)
	}
	ticker := time.NewTicker(in.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := in.Poll(ctx); err != nil {
				in.log.Warn("docker.poll_failed", "error", err)
			}
		}
	}
}

// Poll refreshes the cache from the daemon and prunes entries not seen
// within the stale cutoff.
func (in *Intel) Poll(ctx context.Context) error {
	containers, err := in.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return err
	}
	now := in.now().UTC()

	in.mu.Lock()
	defer in.mu.Unlock()

	for _, c := range containers {
		e := &Entry{
			ID:       c.ID,
			Name:     containerName(c),
			Image:    c.Image,
			State:    c.State,
			Labels:   c.Labels,
			LastSeen: now,
		}
		if c.NetworkSettings != nil {
			for netName := range c.NetworkSettings.Networks {
				e.Networks = append(e.Networks, netName)
			}
		}
		for _, p := range c.Ports {
			e.Ports = append(e.Ports, PortMapping{Private: int(p.PrivatePort), Public: int(p.PublicPort)})
		}
		in.cache[c.ID] = e
	}

	cutoff := now.Add(-in.cfg.StaleCutoff())
	for id, e := range in.cache {
		if e.LastSeen.Before(cutoff) {
			delete(in.cache, id)
		}
	}
	in.log.Debug("docker.polled", "containers", len(containers), "cached", len(in.cache))
	return nil
}

// Snapshot returns the cached entries, newest observation wins.
func (in *Intel) Snapshot() []Entry {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]Entry, 0, len(in.cache))
	for _, e := range in.cache {
		out = append(out, *e)
	}
	return out
}

// SelectTarget picks the ingress destination for a project's port.
// Containers that share a network with the tunnel daemon win by name;
// otherwise a host-reachable port maps to localhost; otherwise the port
// is unreachable and the caller gets a diagnostic.
func (in *Intel) SelectTarget(project string, port int) (*Target, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	daemonNets := map[string]bool{}
	for _, e := range in.cache {
		if e.Name == in.daemon || strings.Contains(e.Image, "cloudflared") {
			for _, n := range e.Networks {
				daemonNets[n] = true
			}
		}
	}

	for _, e := range in.cache {
		if !in.belongsTo(e, project) || !exposes(e, port) {
			continue
		}
		for _, n := range e.Networks {
			if daemonNets[n] {
				return &Target{
					URL:       fmt.Sprintf("http://%s:%d", e.Name, port),
					Type:      "container",
					Container: e.Name,
				}, nil
			}
		}
	}

	if in.hostReachable(port) {
		return &Target{URL: fmt.Sprintf("http://localhost:%d", port), Type: "localhost"}, nil
	}

	return nil, protocol.Errorf(protocol.KindUnreachable,
		"nothing listens on port %d for project %s, from the host or on a network shared with %s",
		port, project, in.daemon).
		WithRecommendation("start the service, or verify the port with ports.verify_live")
}

func (in *Intel) belongsTo(e *Entry, project string) bool {
	if e.Labels[projectLabel] == project || e.Labels[composeLabel] == project {
		return true
	}
	return e.Name == project || strings.HasPrefix(e.Name, project+"-") || strings.HasPrefix(e.Name, project+"_")
}

func exposes(e *Entry, port int) bool {
	for _, p := range e.Ports {
		if p.Private == port || p.Public == port {
			return true
		}
	}
	return false
}

func containerName(c container.Summary) string {
	if len(c.Names) == 0 {
		return c.ID[:min(12, len(c.ID))]
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// probeHostPort reports whether something on the host answers on the
// port. A refused or timed-out dial means nothing is listening.
func probeHostPort(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
