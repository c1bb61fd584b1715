// Package memstore is an in-memory store.Stores implementation. It backs
// service-layer tests and the single-process dev mode; lineage rules match
// the Postgres trigger so behaviour stays interchangeable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// New returns a store.Stores backed by a single in-memory state.
func New() *store.Stores {
	m := &mem{
		events:   map[uuid.UUID]*store.Event{},
		seq:      map[string]int64{},
		sessions: map[string]*store.Session{},
		cps:      map[uuid.UUID]*store.Checkpoint{},
		cpSeq:    map[string]int64{},
		spawns:   map[string]*store.Spawn{},
		ports:    map[string]*store.PortAssignment{},
		cnames:   map[string]*store.CNAME{},
	}
	return &store.Stores{
		Events:      (*eventStore)(m),
		Sessions:    (*sessionStore)(m),
		Checkpoints: (*checkpointStore)(m),
		Spawns:      (*spawnStore)(m),
		Health:      (*healthStore)(m),
		Ports:       (*portStore)(m),
		CNAMEs:      (*cnameStore)(m),
	}
}

type mem struct {
	mu sync.Mutex

	events map[uuid.UUID]*store.Event
	seq    map[string]int64 // per-instance event sequence

	sessions map[string]*store.Session

	cps   map[uuid.UUID]*store.Checkpoint
	cpSeq map[string]int64

	spawns  map[string]*store.Spawn // key project\x00taskID
	spawnID int64

	health   []store.HealthCheck
	healthID int64

	ports  map[string]*store.PortAssignment // key project\x00service
	cnames map[string]*store.CNAME          // key subdomain\x00domain
	cnID   int64
}

func key2(a, b string) string { return a + "\x00" + b }

// --- events ---

type eventStore mem

func (m *eventStore) Append(_ context.Context, instanceID, eventType string, data map[string]any, parent *uuid.UUID) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := &store.Event{
		InstanceID: instanceID,
		EventType:  eventType,
		EventData:  data,
		ParentUUID: parent,
		Timestamp:  time.Now().UTC(),
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	ev.EventID = id

	if parent == nil {
		ev.Depth = 0
		ev.RootUUID = ev.EventID
	} else {
		p, ok := m.events[*parent]
		if !ok {
			return nil, fmt.Errorf("parent event %s: %w", parent, store.ErrNotFound)
		}
		ev.Depth = p.Depth + 1
		ev.RootUUID = p.RootUUID
	}

	m.seq[instanceID]++
	ev.SequenceNum = m.seq[instanceID]
	m.events[ev.EventID] = ev

	cp := *ev
	return &cp, nil
}

func (m *eventStore) Get(_ context.Context, eventID uuid.UUID) (*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *eventStore) ParentChain(_ context.Context, eventID uuid.UUID, maxDepth int) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxDepth <= 0 {
		maxDepth = 1000
	}
	var chain []store.Event
	cur, ok := m.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for steps := 0; steps < maxDepth; steps++ {
		chain = append(chain, *cur)
		if cur.ParentUUID == nil {
			break
		}
		next, ok := m.events[*cur.ParentUUID]
		if !ok {
			break
		}
		cur = next
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].Depth < chain[j].Depth })
	return chain, nil
}

func (m *eventStore) Children(_ context.Context, eventID uuid.UUID) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Event
	for _, ev := range m.events {
		if ev.ParentUUID != nil && *ev.ParentUUID == eventID {
			out = append(out, *ev)
		}
	}
	sortEvents(out)
	return out, nil
}

func (m *eventStore) Subtree(_ context.Context, rootID uuid.UUID, maxDepth int) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, ok := m.events[rootID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if maxDepth <= 0 {
		maxDepth = 10
	}

	out := []store.Event{*root}
	frontier := []uuid.UUID{rootID}
	for hop := 0; hop < maxDepth && len(frontier) > 0; hop++ {
		var next []uuid.UUID
		for _, ev := range m.events {
			if ev.ParentUUID == nil {
				continue
			}
			for _, f := range frontier {
				if *ev.ParentUUID == f {
					out = append(out, *ev)
					next = append(next, ev.EventID)
					break
				}
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].SequenceNum < out[j].SequenceNum
	})
	return out, nil
}

func (m *eventStore) Recent(_ context.Context, instanceID string, limit int) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Event
	for _, ev := range m.events {
		if ev.InstanceID == instanceID {
			out = append(out, *ev)
		}
	}
	sortEvents(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func sortEvents(evs []store.Event) {
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].SequenceNum < evs[j].SequenceNum
	})
}

// --- sessions ---

type sessionStore mem

func (m *sessionStore) Register(_ context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.InstanceID]; exists {
		return fmt.Errorf("instance %s already registered", s.InstanceID)
	}
	for _, other := range m.sessions {
		if other.Project == s.Project {
			return fmt.Errorf("project %s already has session %s", s.Project, other.InstanceID)
		}
	}
	now := time.Now().UTC()
	s.StartedAt = now
	s.LastActivity = now
	if s.EstimatedTokensTotal == 0 {
		s.EstimatedTokensTotal = 200000
	}
	cp := *s
	m.sessions[s.InstanceID] = &cp
	return nil
}

func (m *sessionStore) Heartbeat(_ context.Context, instanceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[instanceID]
	if !ok {
		return store.ErrNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *sessionStore) UpdateContextUsage(_ context.Context, instanceID string, usage float64, tokensUsed, tokensTotal int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[instanceID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	s.ContextUsage = usage
	s.EstimatedTokensUsed = tokensUsed
	if tokensTotal > 0 {
		s.EstimatedTokensTotal = tokensTotal
	}
	s.LastContextCheck = &now
	s.LastActivity = now
	return nil
}

func (m *sessionStore) GetByInstance(_ context.Context, instanceID string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *sessionStore) GetByProject(_ context.Context, project string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Project == project {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *sessionStore) ListActive(_ context.Context, ttl time.Duration) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-ttl)
	var out []store.Session
	for _, s := range m.sessions {
		if s.LastActivity.After(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (m *sessionStore) Close(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[instanceID]; !ok {
		return store.ErrNotFound
	}
	delete(m.sessions, instanceID)
	for id, ev := range m.events {
		if ev.InstanceID == instanceID {
			delete(m.events, id)
		}
	}
	for id, cp := range m.cps {
		if cp.InstanceID == instanceID {
			delete(m.cps, id)
		}
	}
	return nil
}

// --- checkpoints ---

type checkpointStore mem

func (m *checkpointStore) Insert(_ context.Context, cp *store.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.CheckpointID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		cp.CheckpointID = id
	}
	if len(cp.WorkState) == 0 {
		cp.WorkState = []byte("{}")
	}
	m.cpSeq[cp.InstanceID]++
	cp.SequenceNum = m.cpSeq[cp.InstanceID]
	cp.CreatedAt = time.Now().UTC()

	c := *cp
	m.cps[cp.CheckpointID] = &c
	return nil
}

func (m *checkpointStore) Get(_ context.Context, checkpointID uuid.UUID) (*store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[checkpointID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (m *checkpointStore) List(_ context.Context, instanceID, kind string, limit, offset int) ([]store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Checkpoint
	for _, cp := range m.cps {
		if cp.InstanceID != instanceID {
			continue
		}
		if kind != "" && cp.Kind != kind {
			continue
		}
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNum > out[j].SequenceNum })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit <= 0 {
		limit = 20
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *checkpointStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count, bytes int64
	for id, cp := range m.cps {
		if cp.CreatedAt.Before(cutoff) {
			count++
			bytes += int64(len(cp.WorkState))
			delete(m.cps, id)
		}
	}
	return count, bytes, nil
}

// --- spawns ---

type spawnStore mem

func (m *spawnStore) Register(_ context.Context, s *store.Spawn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(s.Project, s.TaskID)
	if _, exists := m.spawns[k]; exists {
		return fmt.Errorf("spawn %s/%s already registered", s.Project, s.TaskID)
	}
	m.spawnID++
	now := time.Now().UTC()
	s.ID = m.spawnID
	s.SpawnTime = now
	s.LastOutputChange = now
	s.Status = "running"
	cp := *s
	m.spawns[k] = &cp
	return nil
}

func (m *spawnStore) Get(_ context.Context, project, taskID string) (*store.Spawn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spawns[key2(project, taskID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *spawnStore) Touch(_ context.Context, project, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spawns[key2(project, taskID)]
	if !ok || s.Status != "running" {
		return store.ErrNotFound
	}
	s.LastOutputChange = at
	return nil
}

func (m *spawnStore) Complete(_ context.Context, project, taskID string, exitCode int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spawns[key2(project, taskID)]
	if !ok || s.Status != "running" {
		return store.ErrNotFound
	}
	status := "completed"
	if exitCode != 0 {
		status = "failed"
	}
	now := time.Now().UTC()
	s.Status = status
	s.ExitCode = &exitCode
	s.ErrorMessage = errMsg
	s.CompletedAt = &now
	return nil
}

func (m *spawnStore) MarkStatus(_ context.Context, project, taskID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spawns[key2(project, taskID)]
	if !ok || s.Status != "running" {
		return store.ErrNotFound
	}
	s.Status = status
	s.ErrorMessage = errMsg
	if status == "abandoned" {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	return nil
}

func (m *spawnStore) List(_ context.Context, project, status string) ([]store.Spawn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Spawn
	for _, s := range m.spawns {
		if project != "" && s.Project != project {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnTime.After(out[j].SpawnTime) })
	return out, nil
}

func (m *spawnStore) ListRunning(ctx context.Context) ([]store.Spawn, error) {
	return m.List(ctx, "", "running")
}

func (m *spawnStore) Stalled(_ context.Context, project string, cutoff time.Time) ([]store.Spawn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Spawn
	for _, s := range m.spawns {
		if project != "" && s.Project != project {
			continue
		}
		if s.Status == "running" && s.LastOutputChange.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastOutputChange.Before(out[j].LastOutputChange) })
	return out, nil
}

// --- health ---

type healthStore mem

func (m *healthStore) Record(_ context.Context, hc *store.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthID++
	hc.ID = m.healthID
	if hc.CheckTime.IsZero() {
		hc.CheckTime = time.Now().UTC()
	}
	m.health = append(m.health, *hc)
	return nil
}

func (m *healthStore) ListRecent(_ context.Context, project string, limit int) ([]store.HealthCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.HealthCheck
	for i := len(m.health) - 1; i >= 0; i-- {
		hc := m.health[i]
		if project != "" && hc.Project != project {
			continue
		}
		out = append(out, hc)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *healthStore) LastByType(_ context.Context, project, checkType string) (*store.HealthCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.health) - 1; i >= 0; i-- {
		hc := m.health[i]
		if hc.Project == project && hc.CheckType == checkType {
			cp := hc
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *healthStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []store.HealthCheck
	var deleted int64
	for _, hc := range m.health {
		if hc.CheckTime.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, hc)
	}
	m.health = kept
	return deleted, nil
}

// --- ports ---

type portStore mem

func (m *portStore) Get(_ context.Context, project, service string) (*store.PortAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.ports[key2(project, service)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *pa
	return &cp, nil
}

func (m *portStore) Insert(_ context.Context, pa *store.PortAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(pa.Project, pa.Service)
	if _, exists := m.ports[k]; exists {
		return fmt.Errorf("port for %s/%s already assigned", pa.Project, pa.Service)
	}
	for _, other := range m.ports {
		if other.Port == pa.Port {
			return fmt.Errorf("port %d already in use by %s/%s", pa.Port, other.Project, other.Service)
		}
	}
	pa.AssignedAt = time.Now().UTC()
	cp := *pa
	m.ports[k] = &cp
	return nil
}

func (m *portStore) List(_ context.Context, project string) ([]store.PortAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.PortAssignment
	for _, pa := range m.ports {
		if project != "" && pa.Project != project {
			continue
		}
		out = append(out, *pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func (m *portStore) UsedPorts(_ context.Context, lo, hi int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, pa := range m.ports {
		if pa.Port >= lo && pa.Port <= hi {
			out = append(out, pa.Port)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (m *portStore) Release(_ context.Context, project, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(project, service)
	if _, ok := m.ports[k]; !ok {
		return store.ErrNotFound
	}
	delete(m.ports, k)
	return nil
}

// --- cnames ---

type cnameStore mem

func (m *cnameStore) Insert(_ context.Context, c *store.CNAME) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(c.Subdomain, c.Domain)
	if _, exists := m.cnames[k]; exists {
		return fmt.Errorf("cname %s already exists", c.Hostname())
	}
	m.cnID++
	c.ID = m.cnID
	c.CreatedAt = time.Now().UTC()
	cp := *c
	m.cnames[k] = &cp
	return nil
}

func (m *cnameStore) GetByHostname(_ context.Context, subdomain, domain string) (*store.CNAME, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cnames[key2(subdomain, domain)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *cnameStore) List(_ context.Context, project string) ([]store.CNAME, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CNAME
	for _, c := range m.cnames {
		if project != "" && c.Project != project {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *cnameStore) Delete(_ context.Context, subdomain, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(subdomain, domain)
	if _, ok := m.cnames[k]; !ok {
		return store.ErrNotFound
	}
	delete(m.cnames, k)
	return nil
}
