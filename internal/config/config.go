// SPDX-License-Identifier: AGPL-3.0-or-later
// scrutinyd - Scrutiny device-facing core server
// Copyright (C) 2026 The scrutinyd authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package config

import "time"

// Config is the root configuration tree for scrutinyd. A single value is
// loaded at startup by the composition root and passed by pointer to every
// component that needs it; nothing in this package keeps a package-level
// copy.
type Config struct {
	LogLevel  LogLevel  `yaml:"logLevel" default:"info"`
	LogFormat LogFormat `yaml:"logFormat" default:"console"`

	Link       Link       `yaml:"link"`
	Timing     Timing     `yaml:"timing"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Redis      Redis      `yaml:"redis"`
	Metrics    Metrics    `yaml:"metrics"`
	PProf      PProf      `yaml:"pprof"`
	Tracing    Tracing    `yaml:"tracing"`
}

// Link configures the byte-level channel to the device.
type Link struct {
	Kind          LinkKind `yaml:"kind" default:"tcp"`
	Address       string   `yaml:"address" default:"0.0.0.0"`
	Port          int      `yaml:"port" default:"8765"`
	MaxBitrateBps int      `yaml:"maxBitrateBps" default:"0"`
}

// Timing configures every timeout and interval in the core.
type Timing struct {
	ResponseTimeout        time.Duration `yaml:"responseTimeout" default:"1s"`
	HeartbeatInterval      time.Duration `yaml:"heartbeatInterval" default:"1500ms"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeatTimeout" default:"5s"`
	DeviceSearcherInterval time.Duration `yaml:"deviceSearcherInterval" default:"500ms"`
}

// Dispatcher configures the request dispatcher's size limits.
type Dispatcher struct {
	TxSizeLimit int `yaml:"txSizeLimit" default:"1024"`
	RxSizeLimit int `yaml:"rxSizeLimit" default:"1024"`
}

// Redis configures the optional Redis backend shared by the KV session
// registry and the PubSub event bus. When disabled, both fall back to
// in-memory implementations scoped to this process.
type Redis struct {
	Enabled  bool   `yaml:"enabled" default:"false"`
	Host     string `yaml:"host" default:"localhost"`
	Port     int    `yaml:"port" default:"6379"`
	Password string `yaml:"password"`
}

// Metrics configures the Prometheus metrics HTTP endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Bind    string `yaml:"bind" default:"0.0.0.0"`
	Port    int    `yaml:"port" default:"9090"`
}

// PProf configures the debug pprof HTTP endpoint.
type PProf struct {
	Enabled bool   `yaml:"enabled" default:"false"`
	Bind    string `yaml:"bind" default:"127.0.0.1"`
	Port    int    `yaml:"port" default:"6060"`
}

// Tracing configures the OpenTelemetry OTLP exporter. When OTLPEndpoint is
// empty, tracing uses a no-op provider.
type Tracing struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}
