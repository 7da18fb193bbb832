// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package devices is a thin, read-only consumer of the Device
// Inventory: an external collaborator owned by the HTTP API surface,
// which records every device's id, name, and IP address. This package
// never writes to the devices table — inventory CRUD, interfaces, and
// service discovery all live outside the core.
package devices

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tombee/automation/internal/executor"
	automationerrors "github.com/tombee/automation/pkg/errors"
	_ "modernc.org/sqlite"
)

// Directory resolves device ids to dispatch coordinates by querying
// the devices table directly. It satisfies workflow.DeviceLookup.
type Directory struct {
	db *sql.DB
}

// Open connects to the SQLite database at path in read-only mode. path
// is typically the same file the job store's SQLiteBackend uses, since
// the inventory and job tables live side by side in one database.
func Open(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open device directory: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to device directory: %w", err)
	}
	return &Directory{db: db}, nil
}

// Close releases the underlying database connection.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Lookup resolves id to its dispatch coordinates. It returns
// *pkg/errors.NotFoundError if no such device exists, or if the device
// has no recorded IP address (a job cannot be dispatched against it).
func (d *Directory) Lookup(ctx context.Context, id string) (executor.Device, error) {
	var name, ip sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT name, ip_address FROM devices WHERE id = ?`, id).Scan(&name, &ip)
	if err == sql.ErrNoRows {
		return executor.Device{}, &automationerrors.NotFoundError{Resource: "device", ID: id}
	}
	if err != nil {
		return executor.Device{}, fmt.Errorf("query device %s: %w", id, err)
	}
	if !ip.Valid || ip.String == "" {
		return executor.Device{}, &automationerrors.NotFoundError{Resource: "device ip address", ID: id}
	}
	return executor.Device{ID: id, IP: ip.String, Name: name.String}, nil
}
