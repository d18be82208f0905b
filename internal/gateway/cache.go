package gateway

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emberlink/emberlink/pkg/types"
)

// Cache is the durable result log used when the upstream sink is down.
// Rows are append-only and flushed strictly in per-device insertion
// order; the forwarded flag marks delivered rows until cleanup removes
// them.
type Cache struct {
	db *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	reading     TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	forwarded   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_results_device_pending
	ON results(device_id, id) WHERE forwarded = 0;
`

// OpenCache opens or creates the cache database.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Append stores one result for later delivery.
func (c *Cache) Append(result *types.Result) error {
	reading, err := json.Marshal(result.Reading)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(
		`INSERT INTO results (device_id, sequence, reading, received_at) VALUES (?, ?, ?, ?)`,
		result.DeviceID, result.Sequence, string(reading), result.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("caching result: %w", err)
	}
	return nil
}

// PendingDevices lists devices that have undelivered rows.
func (c *Cache) PendingDevices() ([]string, error) {
	rows, err := c.db.Query(`SELECT DISTINCT device_id FROM results WHERE forwarded = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

// FlushDevice delivers one device's pending rows in insertion order
// through deliver, marking each row forwarded as it goes. The drain stops
// at the first delivery failure so order is never violated.
func (c *Cache) FlushDevice(deviceID string, deliver func(*types.Result) error) (int, error) {
	rows, err := c.db.Query(
		`SELECT id, sequence, reading, received_at FROM results
		 WHERE device_id = ? AND forwarded = 0 ORDER BY id`,
		deviceID,
	)
	if err != nil {
		return 0, err
	}

	type pending struct {
		rowID  int64
		result *types.Result
	}
	var queue []pending
	for rows.Next() {
		var (
			rowID      int64
			sequence   uint64
			reading    string
			receivedAt int64
		)
		if err := rows.Scan(&rowID, &sequence, &reading, &receivedAt); err != nil {
			rows.Close()
			return 0, err
		}
		result := &types.Result{
			DeviceID:   deviceID,
			Sequence:   sequence,
			ReceivedAt: receivedAt,
		}
		if err := json.Unmarshal([]byte(reading), &result.Reading); err != nil {
			rows.Close()
			return 0, fmt.Errorf("corrupt cached reading row %d: %w", rowID, err)
		}
		queue = append(queue, pending{rowID: rowID, result: result})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	flushed := 0
	for _, p := range queue {
		if err := deliver(p.result); err != nil {
			return flushed, err
		}
		if _, err := c.db.Exec(`UPDATE results SET forwarded = 1 WHERE id = ?`, p.rowID); err != nil {
			return flushed, err
		}
		flushed++
	}
	return flushed, nil
}

// PendingCount returns the number of undelivered rows for one device.
func (c *Cache) PendingCount(deviceID string) (int, error) {
	var count int
	err := c.db.QueryRow(
		`SELECT COUNT(*) FROM results WHERE device_id = ? AND forwarded = 0`,
		deviceID,
	).Scan(&count)
	return count, err
}

// Depth returns the number of undelivered rows.
func (c *Cache) Depth() (int, error) {
	var depth int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM results WHERE forwarded = 0`).Scan(&depth)
	return depth, err
}

// Cleanup removes forwarded rows older than the retention window and
// returns how many were deleted.
func (c *Cache) Cleanup(retention time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retention).UnixMilli()
	res, err := c.db.Exec(`DELETE FROM results WHERE forwarded = 1 AND received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *Cache) Close() error {
	return c.db.Close()
}
