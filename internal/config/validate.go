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

import "errors"

var (
	// ErrInvalidLogLevel indicates that the provided log level is not valid.
	ErrInvalidLogLevel = errors.New("invalid log level provided")
	// ErrInvalidLogFormat indicates that the provided log format is not valid.
	ErrInvalidLogFormat = errors.New("invalid log format provided")
	// ErrInvalidLinkKind indicates that the provided link kind is not valid.
	ErrInvalidLinkKind = errors.New("invalid link kind provided")
	// ErrInvalidLinkAddress indicates that the link address is empty.
	ErrInvalidLinkAddress = errors.New("invalid link address provided")
	// ErrInvalidLinkPort indicates that the link port is out of range.
	ErrInvalidLinkPort = errors.New("invalid link port provided")
	// ErrInvalidResponseTimeout indicates a non-positive response timeout.
	ErrInvalidResponseTimeout = errors.New("response timeout must be positive")
	// ErrInvalidHeartbeatInterval indicates a non-positive heartbeat interval.
	ErrInvalidHeartbeatInterval = errors.New("heartbeat interval must be positive")
	// ErrInvalidHeartbeatTimeout indicates a non-positive heartbeat timeout.
	ErrInvalidHeartbeatTimeout = errors.New("heartbeat timeout must be positive")
	// ErrInvalidDeviceSearcherInterval indicates a non-positive searcher interval.
	ErrInvalidDeviceSearcherInterval = errors.New("device searcher interval must be positive")
	// ErrInvalidTxSizeLimit indicates a non-positive dispatcher tx size limit.
	ErrInvalidTxSizeLimit = errors.New("dispatcher tx size limit must be positive")
	// ErrInvalidRxSizeLimit indicates a non-positive dispatcher rx size limit.
	ErrInvalidRxSizeLimit = errors.New("dispatcher rx size limit must be positive")
	// ErrInvalidRedisHost indicates that the provided Redis host is not valid.
	ErrInvalidRedisHost = errors.New("invalid Redis host provided")
	// ErrInvalidRedisPort indicates that the provided Redis port is not valid.
	ErrInvalidRedisPort = errors.New("invalid Redis port provided")
	// ErrInvalidMetricsBindAddress indicates that the metrics bind address is not valid.
	ErrInvalidMetricsBindAddress = errors.New("invalid metrics server bind address provided")
	// ErrInvalidMetricsPort indicates that the metrics port is not valid.
	ErrInvalidMetricsPort = errors.New("invalid metrics server port provided")
	// ErrInvalidPProfBindAddress indicates that the pprof bind address is not valid.
	ErrInvalidPProfBindAddress = errors.New("invalid pprof server bind address provided")
	// ErrInvalidPProfPort indicates that the pprof port is not valid.
	ErrInvalidPProfPort = errors.New("invalid pprof server port provided")
)

// Validate validates the Link configuration.
func (l Link) Validate() error {
	if l.Kind != LinkKindTCP && l.Kind != LinkKindWebSocket && l.Kind != LinkKindLoopback {
		return ErrInvalidLinkKind
	}
	if l.Kind == LinkKindLoopback {
		return nil
	}
	if l.Address == "" {
		return ErrInvalidLinkAddress
	}
	if l.Port <= 0 || l.Port > 65535 {
		return ErrInvalidLinkPort
	}
	return nil
}

// Validate validates the Timing configuration.
func (t Timing) Validate() error {
	if t.ResponseTimeout <= 0 {
		return ErrInvalidResponseTimeout
	}
	if t.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if t.HeartbeatTimeout <= 0 {
		return ErrInvalidHeartbeatTimeout
	}
	if t.DeviceSearcherInterval <= 0 {
		return ErrInvalidDeviceSearcherInterval
	}
	return nil
}

// Validate validates the Dispatcher configuration.
func (d Dispatcher) Validate() error {
	if d.TxSizeLimit <= 0 {
		return ErrInvalidTxSizeLimit
	}
	if d.RxSizeLimit <= 0 {
		return ErrInvalidRxSizeLimit
	}
	return nil
}

// Validate validates the Redis configuration.
func (r Redis) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Host == "" {
		return ErrInvalidRedisHost
	}
	if r.Port <= 0 || r.Port > 65535 {
		return ErrInvalidRedisPort
	}
	return nil
}

// Validate validates the Metrics configuration.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBindAddress
	}
	if m.Port <= 0 || m.Port > 65535 {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate validates the PProf configuration.
func (p PProf) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Bind == "" {
		return ErrInvalidPProfBindAddress
	}
	if p.Port <= 0 || p.Port > 65535 {
		return ErrInvalidPProfPort
	}
	return nil
}

// Validate validates the Tracing configuration. An empty OTLPEndpoint is
// valid and selects the no-op tracer provider.
func (t Tracing) Validate() error {
	return nil
}

// Validate validates the entire configuration tree.
func (c Config) Validate() error {
	if c.LogLevel != LogLevelDebug && c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn && c.LogLevel != LogLevelError {
		return ErrInvalidLogLevel
	}
	if c.LogFormat != LogFormatConsole && c.LogFormat != LogFormatJSON {
		return ErrInvalidLogFormat
	}
	if err := c.Link.Validate(); err != nil {
		return err
	}
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	return c.Tracing.Validate()
}
