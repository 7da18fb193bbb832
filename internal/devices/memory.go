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

package devices

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/automation/internal/executor"
	automationerrors "github.com/tombee/automation/pkg/errors"
)

// MemoryDirectory is a fixed, in-process device directory: the
// counterpart to the job store's memory backend, for development and
// testing without a SQLite-backed inventory to read from.
type MemoryDirectory map[string]executor.Device

// Lookup resolves id against the fixed map.
func (m MemoryDirectory) Lookup(_ context.Context, id string) (executor.Device, error) {
	dev, ok := m[id]
	if !ok {
		return executor.Device{}, &automationerrors.NotFoundError{Resource: "device", ID: id}
	}
	return dev, nil
}

// memoryDirectoryFile is the on-disk shape LoadMemoryDirectory reads:
// a flat list, since the map key (device id) is also one of its fields.
type memoryDirectoryFile struct {
	Devices []executor.Device `yaml:"devices"`
}

// LoadMemoryDirectory reads a small YAML device list from path, for
// deployments running the in-memory job store without a SQLite-backed
// inventory alongside it.
func LoadMemoryDirectory(path string) (MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device directory file: %w", err)
	}
	var parsed memoryDirectoryFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse device directory file: %w", err)
	}
	dir := make(MemoryDirectory, len(parsed.Devices))
	for _, d := range parsed.Devices {
		dir[d.ID] = d
	}
	return dir, nil
}
