package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kidguard/kidguard/models"
)

// RegisterDevice creates the device row or re-pairs an existing one.
func (s *Store) RegisterDevice(ctx context.Context, d models.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Upsert(ctx, "devices", d, []string{"id"}); err != nil {
		return fmt.Errorf("registering device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice returns one device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	if err := s.db.Get(ctx, &d, `SELECT * FROM devices WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// ListDevices returns every device, paired or not, ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	if err := s.db.Select(ctx, &out, `SELECT * FROM devices ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return out, nil
}

// ListStaleDevices returns paired devices whose last heartbeat is older than
// before, joined with their child. Devices that never reported are excluded.
func (s *Store) ListStaleDevices(ctx context.Context, before time.Time) ([]models.DeviceWithChild, error) {
	var out []models.DeviceWithChild
	err := s.db.Select(ctx, &out, `
		SELECT d.id AS device_id, c.id AS child_id, c.name AS child_name,
		       c.parent_id AS parent_id, d.last_seen AS last_seen
		FROM devices d
		JOIN children c ON c.id = d.child_id
		WHERE d.child_id IS NOT NULL
		  AND d.last_seen IS NOT NULL
		  AND d.last_seen < ?
		ORDER BY d.last_seen ASC, d.id ASC`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing stale devices: %w", err)
	}
	return out, nil
}

// RecordHeartbeat advances last_seen and overwrites any telemetry present in
// hb. Reports false when the device is unknown.
func (s *Store) RecordHeartbeat(ctx context.Context, hb models.Heartbeat) (bool, error) {
	n, err := s.db.ExecAffected(ctx, `
		UPDATE devices
		SET last_seen = ?,
		    battery_level = COALESCE(?, battery_level),
		    latitude = COALESCE(?, latitude),
		    longitude = COALESCE(?, longitude)
		WHERE id = ?`,
		hb.Timestamp.UTC(), hb.BatteryLevel, hb.Latitude, hb.Longitude, hb.DeviceID)
	if err != nil {
		return false, fmt.Errorf("recording heartbeat for %s: %w", hb.DeviceID, err)
	}
	return n > 0, nil
}

// HasRecentDeviceEvent reports whether the device has an event of eventType
// created at or after since.
func (s *Store) HasRecentDeviceEvent(ctx context.Context, deviceID, eventType string, since time.Time) (bool, error) {
	var row countRow
	err := s.db.Get(ctx, &row, `
		SELECT COUNT(*) AS n FROM device_events
		WHERE device_id = ? AND event_type = ? AND created_at >= ?`,
		deviceID, eventType, since.UTC())
	if err != nil {
		return false, fmt.Errorf("checking recent %s events for %s: %w", eventType, deviceID, err)
	}
	return row.N > 0, nil
}

// InsertDeviceEvent stores ev. ev.ID must be set.
func (s *Store) InsertDeviceEvent(ctx context.Context, ev models.DeviceEvent) error {
	if _, err := s.db.Insert(ctx, "device_events", ev); err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	return nil
}

// MarkDeviceEventNotified sets is_notified once a notification went out.
func (s *Store) MarkDeviceEventNotified(ctx context.Context, id string) error {
	return s.db.Exec(ctx, `UPDATE device_events SET is_notified = ? WHERE id = ?`, true, id)
}

// ListDeviceEvents returns a device's events, newest first.
func (s *Store) ListDeviceEvents(ctx context.Context, deviceID string) ([]models.DeviceEvent, error) {
	var out []models.DeviceEvent
	err := s.db.Select(ctx, &out,
		`SELECT * FROM device_events WHERE device_id = ? ORDER BY created_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", deviceID, err)
	}
	return out, nil
}
