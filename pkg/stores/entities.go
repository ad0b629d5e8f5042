package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
)

// kindDevice marks the row that records a device's presence in a datastore.
const kindDevice = "device"

// entityRow is one row of the entities table before it is written.
type entityRow struct {
	path     model.Path
	kind     string
	tableID  *uint8
	stale    bool
	document []byte
}

// PutSnapshot replaces everything the datastore holds for the snapshot's
// device with the snapshot's entities. Stale markers already in the config
// datastore are kept unless the snapshot carries a marker at the same path,
// so that a re-imported configuration does not lose what MarkStale recorded.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, ds Datastore, snap *model.DeviceConfigSnapshot) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	if snap == nil || snap.Device == "" {
		return fmt.Errorf("snapshot has no device")
	}

	rows, err := snapshotRows(snap)
	if err != nil {
		return err
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `DELETE FROM entities WHERE datastore = ? AND device_id = ?`
	if ds == DatastoreConfig {
		query += ` AND stale = 0`
	}
	if _, err := tx.ExecContext(ctx, query, string(ds), snap.Device.String()); err != nil {
		return fmt.Errorf("failed to clear device %s: %w", snap.Device, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO entities (datastore, path, device_id, kind, table_id, stale, seq, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare entity insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for seq, row := range rows {
		var tableID any
		if row.tableID != nil {
			tableID = int64(*row.tableID)
		}
		if _, err := stmt.ExecContext(ctx, string(ds), string(row.path), snap.Device.String(), row.kind,
			tableID, row.stale, seq, string(row.document), now); err != nil {
			return fmt.Errorf("failed to insert entity %s: %w", row.path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot of %s: %w", snap.Device, err)
	}
	return nil
}

// snapshotRows flattens a snapshot into rows in snapshot order.
func snapshotRows(snap *model.DeviceConfigSnapshot) ([]entityRow, error) {
	device := snap.Device
	rows := make([]entityRow, 0, 1+len(snap.TableFeatures)+len(snap.Groups)+len(snap.Meters)+snap.FlowCount()+snap.StaleCount())

	add := func(path model.Path, kind model.EntityKind, tableID *uint8, v any) error {
		doc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", path, err)
		}
		rows = append(rows, entityRow{path: path, kind: string(kind), tableID: tableID, stale: kind.IsStale(), document: doc})
		return nil
	}

	rows = append(rows, entityRow{path: model.Path(device.Ref()), kind: kindDevice, document: []byte(`{}`)})

	for _, tf := range snap.TableFeatures {
		id := tf.TableID
		if err := add(model.TableFeaturesPath(device, id), model.KindTableFeatures, &id, tf); err != nil {
			return nil, err
		}
	}
	for _, t := range snap.Tables {
		id := t.ID
		for _, f := range t.Flows {
			f.TableID = id
			if err := add(model.FlowPath(device, id, f.ID), model.KindFlow, &id, f); err != nil {
				return nil, err
			}
		}
		for _, f := range t.StaleFlows {
			f.TableID = id
			if err := add(model.StaleFlowPath(device, id, f.ID), model.KindStaleFlow, &id, f.Flow); err != nil {
				return nil, err
			}
		}
	}
	for _, g := range snap.Groups {
		if err := add(model.GroupPath(device, g.ID), model.KindGroup, nil, g); err != nil {
			return nil, err
		}
	}
	for _, g := range snap.StaleGroups {
		if err := add(model.StaleGroupPath(device, g.ID), model.KindStaleGroup, nil, g.Group); err != nil {
			return nil, err
		}
	}
	for _, m := range snap.Meters {
		if err := add(model.MeterPath(device, m.ID), model.KindMeter, nil, m); err != nil {
			return nil, err
		}
	}
	for _, m := range snap.StaleMeters {
		if err := add(model.StaleMeterPath(device, m.ID), model.KindStaleMeter, nil, m.Meter); err != nil {
			return nil, err
		}
	}

	return rows, nil
}

// ReadSnapshot assembles the device's snapshot from the datastore. It returns
// nil with a nil error when the datastore holds nothing for the device.
func (s *SQLiteStore) ReadSnapshot(ctx context.Context, ds Datastore, device model.DeviceID) (*model.DeviceConfigSnapshot, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, table_id, document
		FROM entities
		WHERE datastore = ? AND device_id = ?
		ORDER BY seq ASC
	`, string(ds), device.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot of %s: %w", device, err)
	}
	defer rows.Close()

	var snap *model.DeviceConfigSnapshot
	tableIndex := map[uint8]int{}
	table := func(id uint8) *model.Table {
		i, ok := tableIndex[id]
		if !ok {
			i = len(snap.Tables)
			tableIndex[id] = i
			snap.Tables = append(snap.Tables, model.Table{ID: id})
		}
		return &snap.Tables[i]
	}

	for rows.Next() {
		var (
			kind    string
			tableID sql.NullInt64
			doc     string
		)
		if err := rows.Scan(&kind, &tableID, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		if snap == nil {
			snap = &model.DeviceConfigSnapshot{Device: device}
		}

		if err := decodeEntity(snap, model.EntityKind(kind), uint8(tableID.Int64), []byte(doc), table); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return snap, nil
}

func decodeEntity(snap *model.DeviceConfigSnapshot, kind model.EntityKind, tableID uint8, doc []byte,
	table func(uint8) *model.Table) error {
	switch kind {
	case kindDevice:
	case model.KindTableFeatures:
		var tf model.TableFeatures
		if err := json.Unmarshal(doc, &tf); err != nil {
			return fmt.Errorf("failed to decode table features: %w", err)
		}
		snap.TableFeatures = append(snap.TableFeatures, tf)
	case model.KindFlow:
		var f model.Flow
		if err := json.Unmarshal(doc, &f); err != nil {
			return fmt.Errorf("failed to decode flow: %w", err)
		}
		t := table(tableID)
		t.Flows = append(t.Flows, f)
	case model.KindStaleFlow:
		var f model.Flow
		if err := json.Unmarshal(doc, &f); err != nil {
			return fmt.Errorf("failed to decode stale flow: %w", err)
		}
		t := table(tableID)
		t.StaleFlows = append(t.StaleFlows, model.StaleFlow{Flow: f})
	case model.KindGroup:
		var g model.Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return fmt.Errorf("failed to decode group: %w", err)
		}
		snap.Groups = append(snap.Groups, g)
	case model.KindStaleGroup:
		var g model.Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return fmt.Errorf("failed to decode stale group: %w", err)
		}
		snap.StaleGroups = append(snap.StaleGroups, model.StaleGroup{Group: g})
	case model.KindMeter:
		var m model.Meter
		if err := json.Unmarshal(doc, &m); err != nil {
			return fmt.Errorf("failed to decode meter: %w", err)
		}
		snap.Meters = append(snap.Meters, m)
	case model.KindStaleMeter:
		var m model.Meter
		if err := json.Unmarshal(doc, &m); err != nil {
			return fmt.Errorf("failed to decode stale meter: %w", err)
		}
		snap.StaleMeters = append(snap.StaleMeters, model.StaleMeter{Meter: m})
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	return nil
}

// staleKinds maps an entity kind to the kind of its stale marker.
var staleKinds = map[model.EntityKind]model.EntityKind{
	model.KindFlow:  model.KindStaleFlow,
	model.KindGroup: model.KindStaleGroup,
	model.KindMeter: model.KindStaleMeter,
}

// MarkStale turns the config entity at path into a stale marker, so the next
// purge removes it from the device. It returns the marker's path.
func (s *SQLiteStore) MarkStale(ctx context.Context, path model.Path) (model.Path, error) {
	if s.db == nil {
		return "", ErrNotInitialized
	}

	parsed, err := model.ParsePath(path)
	if err != nil {
		return "", err
	}
	staleKind, ok := staleKinds[parsed.Kind]
	if !ok {
		return "", fmt.Errorf("entities of kind %s cannot be marked stale", parsed.Kind)
	}

	var stalePath model.Path
	if staleKind == model.KindStaleFlow {
		stalePath = model.StaleFlowPath(parsed.Device, parsed.TableID, parsed.Key)
	} else {
		id, err := strconv.ParseUint(parsed.Key, 10, 32)
		if err != nil {
			return "", fmt.Errorf("malformed %s id in %q: %w", parsed.Kind, path, err)
		}
		if staleKind == model.KindStaleGroup {
			stalePath = model.StaleGroupPath(parsed.Device, uint32(id))
		} else {
			stalePath = model.StaleMeterPath(parsed.Device, uint32(id))
		}
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE datastore = ? AND path = ?`,
		string(DatastoreConfig), string(stalePath)); err != nil {
		return "", fmt.Errorf("failed to replace marker %s: %w", stalePath, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE entities
		SET path = ?, kind = ?, stale = 1, updated_at = ?
		WHERE datastore = ? AND path = ?
	`, string(stalePath), string(staleKind), time.Now().UTC(), string(DatastoreConfig), string(path))
	if err != nil {
		return "", fmt.Errorf("failed to mark %s stale: %w", path, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrEntityNotFound, path)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit stale marker: %w", err)
	}
	return stalePath, nil
}

// ListDevices returns the devices the datastore holds a snapshot for.
func (s *SQLiteStore) ListDevices(ctx context.Context, ds Datastore) ([]model.DeviceID, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT device_id FROM entities
		WHERE datastore = ?
		ORDER BY device_id ASC
	`, string(ds))
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []model.DeviceID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, model.DeviceID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// CountStale returns the number of stale markers the config datastore holds
// for device.
func (s *SQLiteStore) CountStale(ctx context.Context, device model.DeviceID) (int, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entities
		WHERE datastore = ? AND device_id = ? AND stale = 1
	`, string(DatastoreConfig), device.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale markers: %w", err)
	}
	return n, nil
}

// DatastoreReader reads snapshots from one datastore.
type DatastoreReader struct {
	store     *SQLiteStore
	datastore Datastore
}

var _ engine.SnapshotReader = (*DatastoreReader)(nil)

// ReadSnapshot implements engine.SnapshotReader.
func (r *DatastoreReader) ReadSnapshot(ctx context.Context, device model.DeviceID) (*model.DeviceConfigSnapshot, error) {
	return r.store.ReadSnapshot(ctx, r.datastore, device)
}

// ConfigReader returns a reader over the config datastore.
func (s *SQLiteStore) ConfigReader() *DatastoreReader {
	return &DatastoreReader{store: s, datastore: DatastoreConfig}
}

// OperationalReader returns a reader over the operational datastore.
func (s *SQLiteStore) OperationalReader() *DatastoreReader {
	return &DatastoreReader{store: s, datastore: DatastoreOperational}
}

// writeTx collects config deletes and applies them in one SQL transaction.
type writeTx struct {
	store *SQLiteStore
	paths []model.Path
	done  bool
}

var _ engine.ConfigWriter = (*SQLiteStore)(nil)

// NewWriteTx implements engine.ConfigWriter.
func (s *SQLiteStore) NewWriteTx(_ context.Context) (engine.ConfigWriteTx, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return &writeTx{store: s}, nil
}

// Delete stages the removal of path from the config datastore.
func (w *writeTx) Delete(path model.Path) {
	w.paths = append(w.paths, path)
}

// Commit deletes every staged path. Paths that do not exist are ignored.
func (w *writeTx) Commit(ctx context.Context) error {
	if w.done {
		return errors.New("write transaction already committed")
	}
	w.done = true
	if len(w.paths) == 0 {
		return nil
	}

	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM entities WHERE datastore = ? AND path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, p := range w.paths {
		if _, err := stmt.ExecContext(ctx, string(DatastoreConfig), string(p)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deletes: %w", err)
	}
	return nil
}
