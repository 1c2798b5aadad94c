// Package cache holds the in-memory list of RAID records that every editing
// component reads from and writes through.
package cache

import (
	"sort"
	"sync"
	"time"

	"raidboard/api/internal/raid"
)

type EventKind int

const (
	EventLoaded EventKind = iota
	EventUpserted
	EventRemoved
	EventReordered
	EventStale
)

// Event tells subscribers what changed. ID is empty for EventLoaded and
// EventReordered.
type Event struct {
	Kind EventKind
	ID   string
	Type raid.Type
}

// Stale marks a record whose last write was rejected and which is waiting
// on, or failed, reconciliation.
type Stale struct {
	Reason string
	Since  time.Time
}

type Group struct {
	Type    raid.Type
	Records []raid.Record
}

// Cache is the single source of truth for the editing engine. Groups are
// ordered by version token, newest first, until a group is reordered by
// hand; from then on the manual order is kept until the next Load.
type Cache struct {
	mu        sync.RWMutex
	records   map[string]raid.Record
	order     map[raid.Type][]string
	manual    map[raid.Type]bool
	stale     map[string]Stale
	listeners map[int]func(Event)
	nextSub   int
}

func New() *Cache {
	return &Cache{
		records:   make(map[string]raid.Record),
		order:     make(map[raid.Type][]string),
		manual:    make(map[raid.Type]bool),
		stale:     make(map[string]Stale),
		listeners: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for change events. Events are delivered on the
// goroutine that made the change, after the cache lock is released.
func (c *Cache) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Cache) emit(event Event) {
	c.mu.RLock()
	listeners := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

// Load replaces the whole cache, dropping manual order and stale flags.
func (c *Cache) Load(records []raid.Record) {
	c.mu.Lock()
	c.records = make(map[string]raid.Record, len(records))
	c.order = make(map[raid.Type][]string)
	c.manual = make(map[raid.Type]bool)
	c.stale = make(map[string]Stale)
	for _, record := range records {
		if _, dup := c.records[record.ID]; dup {
			continue
		}
		c.records[record.ID] = record
		c.order[record.Type] = append(c.order[record.Type], record.ID)
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventLoaded})
}

// List returns every type group in display order. Empty groups are included.
func (c *Cache) List() []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	groups := make([]Group, 0, len(raid.Types))
	for _, t := range raid.Types {
		groups = append(groups, Group{Type: t, Records: c.groupLocked(t)})
	}
	return groups
}

// Group returns the records of one type in their current display order.
func (c *Cache) Group(t raid.Type) []raid.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groupLocked(t)
}

func (c *Cache) groupLocked(t raid.Type) []raid.Record {
	ids := c.order[t]
	records := make([]raid.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, c.records[id])
	}
	if !c.manual[t] {
		sortByVersion(records)
	}
	return records
}

func sortByVersion(records []raid.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return newer(records[i], records[j])
	})
}

// newer orders records by version token descending. Records without a
// token (unsaved creates) sort first.
func newer(a, b raid.Record) bool {
	if a.UpdatedAt == "" || b.UpdatedAt == "" {
		return a.UpdatedAt == "" && b.UpdatedAt != ""
	}
	at, aok := a.UpdatedTime()
	bt, bok := b.UpdatedTime()
	if aok && bok {
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	}
	if a.UpdatedAt != b.UpdatedAt {
		return a.UpdatedAt > b.UpdatedAt
	}
	return a.ID < b.ID
}

func (c *Cache) Get(id string) (raid.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[id]
	return record, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// IDs returns every cached id in group display order.
func (c *Cache) IDs() []string {
	var ids []string
	for _, group := range c.List() {
		for _, record := range group.Records {
			ids = append(ids, record.ID)
		}
	}
	return ids
}

// Upsert writes only the fields set in p. It reports false when id is not
// cached.
func (c *Cache) Upsert(id string, p raid.Patch) bool {
	c.mu.Lock()
	record, ok := c.records[id]
	if ok {
		c.records[id] = p.ApplyTo(record)
	}
	c.mu.Unlock()
	if ok {
		c.emit(Event{Kind: EventUpserted, ID: id, Type: record.Type})
	}
	return ok
}

// Put replaces a cached record with an authoritative copy, keeping its
// position. Records that are no longer cached are not resurrected.
func (c *Cache) Put(record raid.Record) bool {
	c.mu.Lock()
	current, ok := c.records[record.ID]
	if ok {
		record.Type = current.Type
		c.records[record.ID] = record
	}
	c.mu.Unlock()
	if ok {
		c.emit(Event{Kind: EventUpserted, ID: record.ID, Type: record.Type})
	}
	return ok
}

// Prepend inserts a new record at the top of its group.
func (c *Cache) Prepend(record raid.Record) {
	c.InsertAt(record, 0)
}

// InsertAt inserts record at index within its group's stored order,
// clamped to the group bounds. An already cached id is replaced in place.
func (c *Cache) InsertAt(record raid.Record, index int) {
	c.mu.Lock()
	if _, exists := c.records[record.ID]; !exists {
		ids := c.order[record.Type]
		if index < 0 {
			index = 0
		}
		if index > len(ids) {
			index = len(ids)
		}
		ids = append(ids, "")
		copy(ids[index+1:], ids[index:])
		ids[index] = record.ID
		c.order[record.Type] = ids
	}
	c.records[record.ID] = record
	c.mu.Unlock()
	c.emit(Event{Kind: EventUpserted, ID: record.ID, Type: record.Type})
}

// Replace swaps the record stored under oldID for record, keeping the
// position. It is used when a temporary create entry receives its server id.
func (c *Cache) Replace(oldID string, record raid.Record) bool {
	c.mu.Lock()
	current, ok := c.records[oldID]
	if ok {
		delete(c.records, oldID)
		record.Type = current.Type
		ids := c.order[current.Type]
		for i, id := range ids {
			if id == oldID {
				ids[i] = record.ID
				break
			}
		}
		c.records[record.ID] = record
		if s, stale := c.stale[oldID]; stale {
			delete(c.stale, oldID)
			c.stale[record.ID] = s
		}
	}
	c.mu.Unlock()
	if ok {
		c.emit(Event{Kind: EventRemoved, ID: oldID, Type: record.Type})
		c.emit(Event{Kind: EventUpserted, ID: record.ID, Type: record.Type})
	}
	return ok
}

// Remove deletes id and returns the removed record with its index in the
// group's stored order so a failed delete can put it back.
func (c *Cache) Remove(id string) (raid.Record, int, bool) {
	c.mu.Lock()
	record, ok := c.records[id]
	index := -1
	if ok {
		delete(c.records, id)
		delete(c.stale, id)
		ids := c.order[record.Type]
		for i, candidate := range ids {
			if candidate == id {
				index = i
				c.order[record.Type] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	if ok {
		c.emit(Event{Kind: EventRemoved, ID: id, Type: record.Type})
	}
	return record, index, ok
}

func (c *Cache) MarkStale(id, reason string, at time.Time) {
	c.mu.Lock()
	record, ok := c.records[id]
	if ok {
		c.stale[id] = Stale{Reason: reason, Since: at}
	}
	c.mu.Unlock()
	if ok {
		c.emit(Event{Kind: EventStale, ID: id, Type: record.Type})
	}
}

func (c *Cache) ClearStale(id string) {
	c.mu.Lock()
	_, was := c.stale[id]
	delete(c.stale, id)
	record := c.records[id]
	c.mu.Unlock()
	if was {
		c.emit(Event{Kind: EventStale, ID: id, Type: record.Type})
	}
}

func (c *Cache) Stale(id string) (Stale, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stale[id]
	return s, ok
}

// StaleIDs lists records currently flagged stale.
func (c *Cache) StaleIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.stale))
	for id := range c.stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
