package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// PGEventStore implements store.EventStore backed by Postgres. Lineage
// invariants (depth, root_uuid, cycle rejection) are owned by the
// supervisor_events_lineage trigger; this layer only reads them back.
type PGEventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *PGEventStore {
	return &PGEventStore{db: db}
}

const eventColumns = `event_id, instance_id, event_type, sequence_num, timestamp, event_data, parent_uuid, root_uuid, depth`

// appendRetries bounds the re-evaluations of the MAX+1 subselect when
// concurrent appends for the same instance collide on sequence_num.
const appendRetries = 5

func (s *PGEventStore) Append(ctx context.Context, instanceID, eventType string, data map[string]any, parent *uuid.UUID) (*store.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("new event id: %w", err)
	}

	ev := &store.Event{
		EventID:    id,
		InstanceID: instanceID,
		EventType:  eventType,
		EventData:  data,
		ParentUUID: parent,
	}

	// sequence_num is assigned inside the insert statement so it stays
	// in the same transaction as the row itself. Concurrent appends can
	// both read the same MAX under read committed; the unique index on
	// (instance_id, sequence_num) rejects the loser, which retries with
	// a fresh subselect.
	for attempt := 0; ; attempt++ {
		row := s.db.QueryRowContext(ctx,
			`INSERT INTO supervisor_events (event_id, instance_id, event_type, sequence_num, event_data, parent_uuid)
			 VALUES ($1, $2, $3,
			         (SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM supervisor_events WHERE instance_id = $2),
			         $4, $5)
			 RETURNING sequence_num, timestamp, root_uuid, depth`,
			id, instanceID, eventType, jsonMap(data), parent,
		)
		err := row.Scan(&ev.SequenceNum, &ev.Timestamp, &ev.RootUUID, &ev.Depth)
		if err == nil {
			return ev, nil
		}
		if !IsUniqueViolation(err) || attempt >= appendRetries {
			return nil, err
		}
	}
}

func (s *PGEventStore) Get(ctx context.Context, eventID uuid.UUID) (*store.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM supervisor_events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return ev, nil
}

// ParentChain walks root → event via a recursive CTE returning at most
// maxDepth rows, the event itself included.
func (s *PGEventStore) ParentChain(ctx context.Context, eventID uuid.UUID, maxDepth int) ([]store.Event, error) {
	if maxDepth <= 0 || maxDepth > 1000 {
		maxDepth = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT `+eventColumns+`, 0 AS hops
		     FROM supervisor_events WHERE event_id = $1
		   UNION ALL
		     SELECT e.event_id, e.instance_id, e.event_type, e.sequence_num, e.timestamp,
		            e.event_data, e.parent_uuid, e.root_uuid, e.depth, c.hops + 1
		     FROM supervisor_events e
		     JOIN chain c ON e.event_id = c.parent_uuid
		     WHERE c.hops < $2
		 )
		 SELECT `+eventColumns+` FROM chain ORDER BY depth ASC`,
		eventID, maxDepth-1,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chain, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, store.ErrNotFound
	}
	return chain, nil
}

func (s *PGEventStore) Children(ctx context.Context, eventID uuid.UUID) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM supervisor_events
		 WHERE parent_uuid = $1
		 ORDER BY timestamp ASC, sequence_num ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Subtree returns all descendants of rootID within maxDepth additional
// levels, ordered (depth, timestamp). The root itself is included.
func (s *PGEventStore) Subtree(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]store.Event, error) {
	if maxDepth <= 0 || maxDepth > 10 {
		maxDepth = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE tree AS (
		     SELECT `+eventColumns+`, 0 AS hops
		     FROM supervisor_events WHERE event_id = $1
		   UNION ALL
		     SELECT e.event_id, e.instance_id, e.event_type, e.sequence_num, e.timestamp,
		            e.event_data, e.parent_uuid, e.root_uuid, e.depth, t.hops + 1
		     FROM supervisor_events e
		     JOIN tree t ON e.parent_uuid = t.event_id
		     WHERE t.hops < $2
		 )
		 SELECT `+eventColumns+` FROM tree ORDER BY depth ASC, timestamp ASC, sequence_num ASC`,
		rootID, maxDepth,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tree, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(tree) == 0 {
		return nil, store.ErrNotFound
	}
	return tree, nil
}

func (s *PGEventStore) Recent(ctx context.Context, instanceID string, limit int) ([]store.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM (
		     SELECT `+eventColumns+` FROM supervisor_events
		     WHERE instance_id = $1
		     ORDER BY timestamp DESC, sequence_num DESC
		     LIMIT $2
		 ) tail ORDER BY timestamp ASC, sequence_num ASC`,
		instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (*store.Event, error) {
	var ev store.Event
	var data []byte
	var parent *uuid.UUID
	var ts time.Time
	if err := r.Scan(&ev.EventID, &ev.InstanceID, &ev.EventType, &ev.SequenceNum,
		&ts, &data, &parent, &ev.RootUUID, &ev.Depth); err != nil {
		return nil, err
	}
	ev.Timestamp = ts
	ev.EventData = scanJSONMap(data)
	ev.ParentUUID = parent
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]store.Event, error) {
	var out []store.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
