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

package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/stretchr/testify/assert"
)

func TestCreateMetricsServerDisabledReturnsOnContextCancel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Metrics: config.Metrics{Enabled: false}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := metrics.CreateMetricsServer(ctx, cfg)
	assert.NoError(t, err)
}

func TestNewMetricsRecordsFSMTransition(t *testing.T) {
	t.Parallel()
	m := metrics.NewMetrics()
	m.RecordFSMTransition("INIT", "DISCOVERING")
	m.RecordDispatcherDrop("oversize_tx")
}
