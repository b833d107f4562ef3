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

// Package datastore holds the device-facing entry tree: variables mapped to
// device memory, runtime published values, and aliases over either. The
// core thread owns all mutation; the one documented cross-thread path is
// metadata lookups from the bounded client-API queue drained at the top of
// each process() tick, which is why entries live in a concurrent map rather
// than behind a single mutex.
package datastore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/protocol"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/wire"
)

// DataType names the wire representation of a Variable or RPV entry's value.
type DataType byte

const (
	DataTypeUInt8 DataType = iota
	DataTypeUInt16
	DataTypeUInt32
	DataTypeUInt64
	DataTypeSInt8
	DataTypeSInt16
	DataTypeSInt32
	DataTypeSInt64
	DataTypeFloat32
	DataTypeFloat64
	DataTypeBoolean
)

// Size returns the number of bytes this type occupies on the wire, ignoring
// any bitfield narrowing.
func (t DataType) Size() int {
	switch t {
	case DataTypeUInt8, DataTypeSInt8, DataTypeBoolean:
		return 1
	case DataTypeUInt16, DataTypeSInt16:
		return 2
	case DataTypeUInt32, DataTypeSInt32, DataTypeFloat32:
		return 4
	case DataTypeUInt64, DataTypeSInt64, DataTypeFloat64:
		return 8
	default:
		return 0
	}
}

func (t DataType) String() string {
	switch t {
	case DataTypeUInt8:
		return "uint8"
	case DataTypeUInt16:
		return "uint16"
	case DataTypeUInt32:
		return "uint32"
	case DataTypeUInt64:
		return "uint64"
	case DataTypeSInt8:
		return "sint8"
	case DataTypeSInt16:
		return "sint16"
	case DataTypeSInt32:
		return "sint32"
	case DataTypeSInt64:
		return "sint64"
	case DataTypeFloat32:
		return "float32"
	case DataTypeFloat64:
		return "float64"
	case DataTypeBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Kind distinguishes the three entry variants the datastore stores.
type Kind int

const (
	KindVariable Kind = iota
	KindRPV
	KindAlias
)

func (k Kind) String() string {
	switch k {
	case KindVariable:
		return "variable"
	case KindRPV:
		return "rpv"
	case KindAlias:
		return "alias"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateEntry        = errors.New("datastore: entry already exists")
	ErrUnknownEntry          = errors.New("datastore: unknown entry id")
	ErrAliasOfAlias          = errors.New("datastore: alias cannot reference another alias")
	ErrNoValue               = errors.New("datastore: entry has no value yet")
	ErrNotConvertibleToFloat = errors.New("datastore: value is not numeric")
)

// Bitfield narrows a Variable read/write to a sub-range of its underlying
// word, used for packed boolean/enum fields sharing a byte.
type Bitfield struct {
	BitOffset uint8
	BitSize   uint8
}

// AliasConversion is the affine transform an AliasEntry applies between the
// device value of its target entry and the value presented to users.
type AliasConversion struct {
	Gain   float64
	Offset float64
	Min    float64
	Max    float64
}

func clampRange(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ToUser converts a device-space value to the user-facing value: gain*x +
// offset, clamped to [min,max].
func (c AliasConversion) ToUser(deviceValue float64) float64 {
	return clampRange(c.Gain*deviceValue+c.Offset, c.Min, c.Max)
}

// ToDevice converts a user-facing value to device space: clamp to
// [min,max] first, then invert the affine transform.
func (c AliasConversion) ToDevice(userValue float64) float64 {
	clamped := clampRange(userValue, c.Min, c.Max)
	if c.Gain == 0 {
		return c.Offset
	}
	return (clamped - c.Offset) / c.Gain
}

// WatchCallback is invoked with the watcher's own id and the entry whose
// value just changed. It fires synchronously under the value mutation and
// must not call back into the datastore mutatively.
type WatchCallback func(watcherID string, entry *Entry)

// PendingWrite is a host-initiated write claimed off an entry by the
// memory writer. Complete must be called exactly once, with the outcome of
// the device-side write.
type PendingWrite struct {
	Value      any
	onComplete func(success bool)
}

// Complete invokes the write's completion callback, if any. Safe to call on
// a nil *PendingWrite.
func (p *PendingWrite) Complete(success bool) {
	if p == nil || p.onComplete == nil {
		return
	}
	p.onComplete(success)
}

// Entry is one node of the datastore: a Variable, an RPV, or an Alias. Which
// fields are meaningful depends on Kind.
type Entry struct {
	ID          uint64
	Kind        Kind
	DisplayPath string

	// Variable fields.
	Datatype   DataType
	Address    uint64
	Endianness wire.Endianness
	Bitfield   *Bitfield

	// RPV fields.
	RPV protocol.RPVDefinition

	// Alias fields.
	TargetID   uint64
	Conversion AliasConversion

	mu        sync.Mutex
	value     any
	hasValue  bool
	updatedAt time.Time
	watchers  map[string]WatchCallback
	pending   *PendingWrite
}

func (e *Entry) snapshot() (any, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.updatedAt, e.hasValue
}

// Value returns the entry's last known raw device-space value (unconverted,
// even for aliases — callers wanting the user-facing alias value should use
// Datastore.GetUserValue).
func (e *Entry) Value() (any, time.Time, bool) {
	return e.snapshot()
}

// WatcherCount reports how many watchers are currently attached, which the
// memory reader uses to decide whether an entry is worth polling.
func (e *Entry) WatcherCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watchers)
}

// HasPendingWrite reports whether a host-initiated write is waiting to be
// picked up by the memory writer.
func (e *Entry) HasPendingWrite() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// ClaimPendingWrite removes and returns the entry's pending write, if any,
// so the caller owns completing it. Returns nil if nothing is pending.
func (e *Entry) ClaimPendingWrite() *PendingWrite {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending
	e.pending = nil
	return p
}

// setPendingWrite installs a new pending write, completing and replacing
// any previous one as superseded.
func (e *Entry) setPendingWrite(pw *PendingWrite) {
	e.mu.Lock()
	prev := e.pending
	e.pending = pw
	e.mu.Unlock()
	prev.Complete(false)
}

type watcherCallback struct {
	watcherID string
	cb        WatchCallback
}

func (e *Entry) setValue(v any) []watcherCallback {
	e.mu.Lock()
	e.value = v
	e.hasValue = true
	e.updatedAt = time.Now()
	callbacks := make([]watcherCallback, 0, len(e.watchers))
	for watcherID, cb := range e.watchers {
		callbacks = append(callbacks, watcherCallback{watcherID, cb})
	}
	e.mu.Unlock()
	return callbacks
}

func (e *Entry) startWatching(watcherID string, cb WatchCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchers == nil {
		e.watchers = make(map[string]WatchCallback)
	}
	e.watchers[watcherID] = cb
}

func (e *Entry) stopWatching(watcherID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watchers, watcherID)
}

// Datastore is the in-memory entry tree shared by the Info Poller (which
// populates RPV entries), the Memory Reader/Writer (which reads/writes
// Variable and RPV values), and the client-facing API (which adds entries
// and subscribes watchers).
type Datastore struct {
	entries   *xsync.Map[uint64, *Entry]
	pathIndex *xsync.Map[string, uint64]
	rpvIndex  *xsync.Map[uint16, uint64]

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New constructs an empty Datastore.
func New(logger *slog.Logger, m *metrics.Metrics) *Datastore {
	if logger == nil {
		logger = slog.Default()
	}
	return &Datastore{
		entries:   xsync.NewMap[uint64, *Entry](),
		pathIndex: xsync.NewMap[string, uint64](),
		rpvIndex:  xsync.NewMap[uint16, uint64](),
		logger:    logger,
		metrics:   m,
	}
}

func pathKey(kind Kind, path string) string {
	return fmt.Sprintf("%d:%s", kind, path)
}

func computeID(kind Kind, path string) (uint64, error) {
	return hashstructure.Hash(struct {
		Kind Kind
		Path string
	}{kind, path}, hashstructure.FormatV2, nil)
}

func (d *Datastore) addEntry(e *Entry) (uint64, error) {
	key := pathKey(e.Kind, e.DisplayPath)
	if _, exists := d.pathIndex.Load(key); exists {
		return 0, fmt.Errorf("%w: %s %q", ErrDuplicateEntry, e.Kind, e.DisplayPath)
	}
	if _, loaded := d.entries.LoadOrStore(e.ID, e); loaded {
		return 0, fmt.Errorf("%w: id %d", ErrDuplicateEntry, e.ID)
	}
	d.pathIndex.Store(key, e.ID)
	if e.Kind == KindRPV {
		d.rpvIndex.Store(e.RPV.ID, e.ID)
	}
	return e.ID, nil
}

// AddVariable registers a new Variable entry mapped to device memory.
func (d *Datastore) AddVariable(path string, datatype DataType, address uint64, endianness wire.Endianness, bitfield *Bitfield) (uint64, error) {
	id, err := computeID(KindVariable, path)
	if err != nil {
		return 0, err
	}
	return d.addEntry(&Entry{
		ID:          id,
		Kind:        KindVariable,
		DisplayPath: path,
		Datatype:    datatype,
		Address:     address,
		Endianness:  endianness,
		Bitfield:    bitfield,
	})
}

// AddRPV registers a new RPV entry. Returns ErrDuplicateEntry if either the
// display path or the RPV id is already registered.
func (d *Datastore) AddRPV(path string, rpv protocol.RPVDefinition) (uint64, error) {
	if _, exists := d.rpvIndex.Load(rpv.ID); exists {
		return 0, fmt.Errorf("%w: rpv id %d", ErrDuplicateEntry, rpv.ID)
	}
	id, err := computeID(KindRPV, path)
	if err != nil {
		return 0, err
	}
	return d.addEntry(&Entry{
		ID:          id,
		Kind:        KindRPV,
		DisplayPath: path,
		RPV:         rpv,
	})
}

// AddAlias registers a new Alias entry over a non-alias target entry.
func (d *Datastore) AddAlias(path string, targetID uint64, conv AliasConversion) (uint64, error) {
	target, err := d.GetEntry(targetID)
	if err != nil {
		return 0, err
	}
	if target.Kind == KindAlias {
		return 0, ErrAliasOfAlias
	}
	id, err := computeID(KindAlias, path)
	if err != nil {
		return 0, err
	}
	return d.addEntry(&Entry{
		ID:          id,
		Kind:        KindAlias,
		DisplayPath: path,
		TargetID:    targetID,
		Conversion:  conv,
	})
}

// GetEntry fetches an entry by id.
func (d *Datastore) GetEntry(id uint64) (*Entry, error) {
	entry, ok := d.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntry, id)
	}
	return entry, nil
}

// EntryByRPVID resolves the datastore entry backing a given RPV id, used by
// the memory writer/reader to translate ReadRPV/WriteRPV responses back
// into entries without a linear scan.
func (d *Datastore) EntryByRPVID(rpvID uint16) (*Entry, bool) {
	id, ok := d.rpvIndex.Load(rpvID)
	if !ok {
		return nil, false
	}
	entry, ok := d.entries.Load(id)
	return entry, ok
}

// ListEntries returns every entry of the given kind, or every entry if
// kindFilter is nil.
func (d *Datastore) ListEntries(kindFilter *Kind) []*Entry {
	out := make([]*Entry, 0)
	d.entries.Range(func(_ uint64, e *Entry) bool {
		if kindFilter == nil || e.Kind == *kindFilter {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Count returns the number of entries of the given kind, or the total
// number of entries if kindFilter is nil.
func (d *Datastore) Count(kindFilter *Kind) int {
	return len(d.ListEntries(kindFilter))
}

// StartWatching attaches a callback to an entry, idempotent per
// (id, watcherID): a second call with the same pair replaces the callback.
func (d *Datastore) StartWatching(id uint64, watcherID string, cb WatchCallback) error {
	entry, err := d.GetEntry(id)
	if err != nil {
		return err
	}
	entry.startWatching(watcherID, cb)
	return nil
}

// StopWatching detaches a single watcher from a single entry.
func (d *Datastore) StopWatching(id uint64, watcherID string) error {
	entry, err := d.GetEntry(id)
	if err != nil {
		return err
	}
	entry.stopWatching(watcherID)
	return nil
}

// StopWatchingAll detaches a watcher from every entry, used on client
// disconnect.
func (d *Datastore) StopWatchingAll(watcherID string) {
	d.entries.Range(func(_ uint64, e *Entry) bool {
		e.stopWatching(watcherID)
		return true
	})
}

// SetValue records a fresh device-reported value and fires every watcher
// callback attached to the entry. Called by the Memory Reader on a
// successful Read/ReadRPV response.
func (d *Datastore) SetValue(id uint64, value any) error {
	entry, err := d.GetEntry(id)
	if err != nil {
		return err
	}
	for _, wc := range entry.setValue(value) {
		wc.cb(wc.watcherID, entry)
	}
	return nil
}

// GetUserValue returns the user-facing value of any entry: the raw device
// value for Variable/RPV entries, or the alias-converted value for Alias
// entries.
func (d *Datastore) GetUserValue(id uint64) (float64, time.Time, error) {
	entry, err := d.GetEntry(id)
	if err != nil {
		return 0, time.Time{}, err
	}
	if entry.Kind == KindAlias {
		target, err := d.GetEntry(entry.TargetID)
		if err != nil {
			return 0, time.Time{}, err
		}
		raw, ts, ok := target.snapshot()
		if !ok {
			return 0, time.Time{}, ErrNoValue
		}
		f, err := toFloat64(raw)
		if err != nil {
			return 0, time.Time{}, err
		}
		return entry.Conversion.ToUser(f), ts, nil
	}
	raw, ts, ok := entry.snapshot()
	if !ok {
		return 0, time.Time{}, ErrNoValue
	}
	f, err := toFloat64(raw)
	if err != nil {
		return 0, time.Time{}, err
	}
	return f, ts, nil
}

// UpdateTargetValue records a host-initiated write. Writing an alias
// converts the value to device space and forwards the write onto the
// alias's target entry, so the Memory Writer only ever sees Variable/RPV
// pending writes. onComplete fires exactly once, with false if this write
// is superseded by a later one before the device acknowledges it.
func (d *Datastore) UpdateTargetValue(id uint64, value float64, onComplete func(success bool)) error {
	entry, err := d.GetEntry(id)
	if err != nil {
		return err
	}
	if entry.Kind == KindAlias {
		return d.UpdateTargetValue(entry.TargetID, entry.Conversion.ToDevice(value), onComplete)
	}
	entry.setPendingWrite(&PendingWrite{Value: value, onComplete: onComplete})
	return nil
}

// ResetSession clears every RPV entry and all subscriptions. The device FSM
// calls it when a session ends (as it passes back through INIT) and when a
// Connect succeeds, before the new session's RPVs are registered, since RPV
// ids and watcher state are only meaningful for the lifetime of a single
// session.
func (d *Datastore) ResetSession() {
	kind := KindRPV
	for _, e := range d.ListEntries(&kind) {
		d.entries.Delete(e.ID)
		d.pathIndex.Delete(pathKey(e.Kind, e.DisplayPath))
		d.rpvIndex.Delete(e.RPV.ID)
	}
	d.entries.Range(func(_ uint64, e *Entry) bool {
		e.mu.Lock()
		e.watchers = nil
		e.mu.Unlock()
		return true
	})
}

// RegisterRPVs adds one RPV entry per definition the Info Poller discovered
// this session, named by their hex id since devices report no display path
// for RPVs. Definitions already registered (by id) are skipped.
func (d *Datastore) RegisterRPVs(defs []protocol.RPVDefinition) {
	for _, rpv := range defs {
		path := fmt.Sprintf("/rpv/%04x", rpv.ID)
		if _, err := d.AddRPV(path, rpv); err != nil && !errors.Is(err, ErrDuplicateEntry) {
			d.logger.Warn("failed to register rpv entry", "rpv_id", rpv.ID, "error", err)
		}
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrNotConvertibleToFloat, v)
	}
}
