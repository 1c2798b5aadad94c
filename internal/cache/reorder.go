package cache

import "raidboard/api/internal/raid"

// Move relocates the record at position from to position to within one type
// group. Ordering is local to this cache and never sent to the record store.
func (c *Cache) Move(t raid.Type, from, to int) bool {
	c.mu.Lock()
	current := c.groupLocked(t)
	if from < 0 || from >= len(current) || to < 0 || to >= len(current) {
		c.mu.Unlock()
		return false
	}
	if from == to {
		c.mu.Unlock()
		return true
	}
	ids := make([]string, len(current))
	for i, record := range current {
		ids[i] = record.ID
	}
	moved := ids[from]
	ids = append(ids[:from], ids[from+1:]...)
	ids = append(ids[:to], append([]string{moved}, ids[to:]...)...)
	c.order[t] = ids
	c.manual[t] = true
	c.mu.Unlock()
	c.emit(Event{Kind: EventReordered, Type: t})
	return true
}

// MoveByID drops dragID onto dropID's position. A drop onto a record of a
// different type is a no-op.
func (c *Cache) MoveByID(dragID, dropID string) bool {
	c.mu.RLock()
	drag, okDrag := c.records[dragID]
	drop, okDrop := c.records[dropID]
	c.mu.RUnlock()
	if !okDrag || !okDrop || drag.Type != drop.Type {
		return false
	}
	group := c.Group(drag.Type)
	from, to := -1, -1
	for i, record := range group {
		switch record.ID {
		case dragID:
			from = i
		case dropID:
			to = i
		}
	}
	return c.Move(drag.Type, from, to)
}

// ResetOrder returns a group to version ordering.
func (c *Cache) ResetOrder(t raid.Type) {
	c.mu.Lock()
	was := c.manual[t]
	delete(c.manual, t)
	c.mu.Unlock()
	if was {
		c.emit(Event{Kind: EventReordered, Type: t})
	}
}

func (c *Cache) Reordered(t raid.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manual[t]
}
