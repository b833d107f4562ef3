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

package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

func makeInMemoryKV() KV {
	return &inMemoryKV{kv: xsync.NewMap[string, kvValue]()}
}

type kvValue struct {
	value []byte
	ttl   time.Time // zero value means no expiry
}

func (v kvValue) expired() bool {
	return !v.ttl.IsZero() && v.ttl.Before(time.Now())
}

type inMemoryKV struct {
	kv *xsync.Map[string, kvValue]
}

func (s *inMemoryKV) Has(_ context.Context, key string) (bool, error) {
	value, ok := s.kv.Load(key)
	if !ok {
		return false, nil
	}
	if value.expired() {
		s.kv.Delete(key)
		return false, nil
	}
	return true, nil
}

func (s *inMemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := s.kv.Load(key)
	if !ok {
		return nil, fmt.Errorf("key %q not found", key)
	}
	if value.expired() {
		s.kv.Delete(key)
		return nil, fmt.Errorf("key %q has expired", key)
	}
	return value.value, nil
}

func (s *inMemoryKV) Set(_ context.Context, key string, value []byte) error {
	s.kv.Store(key, kvValue{value: value})
	return nil
}

func (s *inMemoryKV) Delete(_ context.Context, key string) error {
	s.kv.Delete(key)
	return nil
}

func (s *inMemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	value, ok := s.kv.Load(key)
	if !ok {
		return fmt.Errorf("key %q not found", key)
	}
	if ttl <= 0 {
		s.kv.Delete(key)
		return nil
	}
	value.ttl = time.Now().Add(ttl)
	s.kv.Store(key, value)
	return nil
}

func (s *inMemoryKV) Scan(_ context.Context, _ uint64, match string, _ int64) ([]string, uint64, error) {
	keys := make([]string, 0)
	s.kv.Range(func(key string, value kvValue) bool {
		if value.expired() {
			s.kv.Delete(key)
			return true
		}
		if match == "" || globMatch(match, key) {
			keys = append(keys, key)
		}
		return true
	})
	return keys, 0, nil
}

func (s *inMemoryKV) Close() error {
	return nil
}

// globMatch supports the single "*" wildcard used by the session-lease
// scan keys (e.g. "session:*"); it is not a full glob implementation.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	prefix, suffix, _ := strings.Cut(pattern, "*")
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix)
}
