package ports

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/nextlevelbuilder/goherd/internal/config"
	"github.com/nextlevelbuilder/goherd/internal/store"
	"github.com/nextlevelbuilder/goherd/internal/store/pg"
	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// Directory hands out ports from the configured range. Assignment is
// sticky: get_or_allocate returns the existing row for (project,
// service) when there is one.
type Directory struct {
	ports store.PortStore
	log   *slog.Logger
	cfg   config.PortsConfig

	// test seam: reports whether something already listens on the port
	listenProbe func(host string, port int) (bool, error)
}

func NewDirectory(ports store.PortStore, log *slog.Logger, cfg config.PortsConfig) *Directory {
	return &Directory{
		ports:       ports,
		log:         log,
		cfg:         cfg,
		listenProbe: probeListen,
	}
}

// GetOrAllocate returns the project/service's port, assigning the
// lowest free port in range on first use.
func (d *Directory) GetOrAllocate(ctx context.Context, project, service, hostname, proto string) (*store.PortAssignment, error) {
	if project == "" || service == "" {
		return nil, protocol.Errorf(protocol.KindValidation, "project and service are required")
	}
	if proto == "" {
		proto = "http"
	}
	if hostname == "" {
		hostname = "localhost"
	}

	if pa, err := d.ports.Get(ctx, project, service); err == nil {
		return pa, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	lo, hi := d.cfg.Range()
	used, err := d.ports.UsedPorts(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}

	for port := lo; port <= hi; port++ {
		if taken[port] {
			continue
		}
		pa := &store.PortAssignment{
			Project:  project,
			Service:  service,
			Hostname: hostname,
			Protocol: proto,
			Port:     port,
		}
		if err := d.ports.Insert(ctx, pa); err != nil {
			if pg.IsUniqueViolation(err) || strings.Contains(err.Error(), "already") {
				// Lost the race for this port; try the next one.
				taken[port] = true
				continue
			}
			return nil, err
		}
		d.log.Info("ports.allocated", "project", project, "service", service, "port", port)
		return pa, nil
	}

	return nil, protocol.Errorf(protocol.KindConflict,
		"no free ports in range %d-%d", lo, hi).
		WithRecommendation("release unused assignments with ports.release")
}

// Get returns the existing assignment without allocating.
func (d *Directory) Get(ctx context.Context, project, service string) (*store.PortAssignment, error) {
	pa, err := d.ports.Get(ctx, project, service)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.KindNotFound,
			"no port assigned to %s/%s", project, service).
			WithRecommendation("allocate one with ports.get_or_allocate")
	}
	return pa, err
}

func (d *Directory) List(ctx context.Context, project string) ([]store.PortAssignment, error) {
	return d.ports.List(ctx, project)
}

func (d *Directory) Release(ctx context.Context, project, service string) error {
	err := d.ports.Release(ctx, project, service)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.Errorf(protocol.KindNotFound,
			"no port assigned to %s/%s", project, service)
	}
	if err == nil {
		d.log.Info("ports.released", "project", project, "service", service)
	}
	return err
}

// InRange reports whether the port falls inside the managed range.
func (d *Directory) InRange(port int) bool {
	lo, hi := d.cfg.Range()
	return port >= lo && port <= hi
}

// VerifyLive reports whether a service is actually bound to the port.
// The probe tries to take the port itself: failure to bind means
// something is listening, which is what "live" means here.
func (d *Directory) VerifyLive(ctx context.Context, host string, port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, protocol.Errorf(protocol.KindValidation, "port %d out of range", port)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	occupied, err := d.listenProbe(host, port)
	if err != nil {
		return false, protocol.Errorf(protocol.KindInternal, "port probe: %v", err)
	}
	return occupied, nil
}

// probeListen returns true when the port is already taken. Non-address
// errors (permissions, bad host) surface so the caller does not mistake
// them for a live service.
func probeListen(host string, port int) (bool, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		ln.Close()
		return false, nil
	}
	if isAddrInUse(err) {
		return true, nil
	}
	return false, err
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
