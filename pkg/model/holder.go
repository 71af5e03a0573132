package model

import (
	"fmt"

	"github.com/benbjohnson/immutable"
)

// EntityHolder is an immutable node of the model tree. It wraps an opaque
// domain value, an ordered set of children keyed by id and a set of opaque
// attributes. Every modifier returns a new holder; the receiver, and every
// tree it belongs to, stays valid and unchanged.
type EntityHolder struct {
	id         string
	entity     any
	version    uint64
	order      []string
	children   *immutable.Map[string, *EntityHolder]
	attributes *immutable.Map[string, any]
}

// NewEntityHolder creates a childless holder with no attributes
func NewEntityHolder(id string, entity any) *EntityHolder {
	return &EntityHolder{
		id:         id,
		entity:     entity,
		children:   immutable.NewMap[string, *EntityHolder](nil),
		attributes: immutable.NewMap[string, any](nil),
	}
}

// Restore rebuilds a holder with a known version, used when loading snapshots
func Restore(id string, version uint64, entity any, attributes map[string]any, children []*EntityHolder) (*EntityHolder, error) {
	h := NewEntityHolder(id, entity)
	h.version = version
	for key, value := range attributes {
		h.attributes = h.attributes.Set(key, value)
	}
	for _, child := range children {
		if _, exists := h.children.Get(child.id); exists {
			return nil, fmt.Errorf("duplicate child %s under %s", child.id, id)
		}
		h.order = append(h.order, child.id)
		h.children = h.children.Set(child.id, child)
	}
	return h, nil
}

// ID returns the holder id, unique among its siblings
func (h *EntityHolder) ID() string { return h.id }

// Entity returns the wrapped domain value
func (h *EntityHolder) Entity() any { return h.entity }

// Version counts the modifications that produced this holder
func (h *EntityHolder) Version() uint64 { return h.version }

// derive copies the holder with a bumped version; slices and maps are shared
func (h *EntityHolder) derive() *EntityHolder {
	c := *h
	c.version = h.version + 1
	return &c
}

// WithEntity returns a holder wrapping a new domain value
func (h *EntityHolder) WithEntity(entity any) *EntityHolder {
	c := h.derive()
	c.entity = entity
	return c
}

// Children returns the children in insertion order
func (h *EntityHolder) Children() []*EntityHolder {
	children := make([]*EntityHolder, 0, len(h.order))
	for _, id := range h.order {
		child, _ := h.children.Get(id)
		children = append(children, child)
	}
	return children
}

// ChildCount returns the number of direct children
func (h *EntityHolder) ChildCount() int { return len(h.order) }

// Child returns the direct child with the given id
func (h *EntityHolder) Child(id string) (*EntityHolder, bool) {
	return h.children.Get(id)
}

// WithChild adds child, or replaces the existing child with the same id in
// place, keeping its position.
func (h *EntityHolder) WithChild(child *EntityHolder) *EntityHolder {
	c := h.derive()
	if _, exists := h.children.Get(child.id); !exists {
		c.order = make([]string, len(h.order), len(h.order)+1)
		copy(c.order, h.order)
		c.order = append(c.order, child.id)
	}
	c.children = h.children.Set(child.id, child)
	return c
}

// RemoveChild removes the direct child with the given id. It returns the
// receiver itself and a nil child when there is no such child.
func (h *EntityHolder) RemoveChild(id string) (*EntityHolder, *EntityHolder) {
	removed, exists := h.children.Get(id)
	if !exists {
		return h, nil
	}
	c := h.derive()
	c.order = make([]string, 0, len(h.order)-1)
	for _, childID := range h.order {
		if childID != id {
			c.order = append(c.order, childID)
		}
	}
	c.children = h.children.Delete(id)
	return c, removed
}

// Attribute returns the value stored under key, or def when there is none
func (h *EntityHolder) Attribute(key string, def any) any {
	if value, ok := h.attributes.Get(key); ok {
		return value
	}
	return def
}

// Attributes returns a copy of all attributes
func (h *EntityHolder) Attributes() map[string]any {
	attrs := make(map[string]any, h.attributes.Len())
	itr := h.attributes.Iterator()
	for !itr.Done() {
		key, value, _ := itr.Next()
		attrs[key] = value
	}
	return attrs
}

// AddAttribute returns a holder with value stored under key
func (h *EntityHolder) AddAttribute(key string, value any) *EntityHolder {
	c := h.derive()
	c.attributes = h.attributes.Set(key, value)
	return c
}

// RemoveAttribute returns a holder without key. The receiver itself is
// returned when the attribute is not set.
func (h *EntityHolder) RemoveAttribute(key string) *EntityHolder {
	if _, ok := h.attributes.Get(key); !ok {
		return h
	}
	c := h.derive()
	c.attributes = h.attributes.Delete(key)
	return c
}

// FindByID searches the subtree rooted at h depth first, the holder itself
// included. Absence is reported with ok=false.
func (h *EntityHolder) FindByID(id string) (*EntityHolder, bool) {
	if h.id == id {
		return h, true
	}
	for _, childID := range h.order {
		child, _ := h.children.Get(childID)
		if found, ok := child.FindByID(id); ok {
			return found, true
		}
	}
	return nil, false
}

// ReplaceByID swaps the holder with replacement's id for replacement, copying
// the path from h down to it. If no holder has that id, h itself is returned
// with ok=false.
func (h *EntityHolder) ReplaceByID(replacement *EntityHolder) (*EntityHolder, bool) {
	if h.id == replacement.id {
		return replacement, true
	}
	for _, childID := range h.order {
		child, _ := h.children.Get(childID)
		if updated, ok := child.ReplaceByID(replacement); ok {
			return h.WithChild(updated), true
		}
	}
	return h, false
}

// RemoveByID removes the first descendant with the given id, copying the path
// from h down to its parent. It returns h itself and a nil holder when no
// descendant matches. The receiver cannot remove itself.
func (h *EntityHolder) RemoveByID(id string) (*EntityHolder, *EntityHolder) {
	if _, ok := h.children.Get(id); ok {
		return h.RemoveChild(id)
	}
	for _, childID := range h.order {
		child, _ := h.children.Get(childID)
		if updated, removed := child.RemoveByID(id); removed != nil {
			return h.WithChild(updated), removed
		}
	}
	return h, nil
}

// Walk visits the subtree in pre-order, stopping when fn returns false
func (h *EntityHolder) Walk(fn func(holder *EntityHolder, depth int) bool) {
	h.walk(fn, 0)
}

func (h *EntityHolder) walk(fn func(*EntityHolder, int) bool, depth int) bool {
	if !fn(h, depth) {
		return false
	}
	for _, childID := range h.order {
		child, _ := h.children.Get(childID)
		if !child.walk(fn, depth+1) {
			return false
		}
	}
	return true
}

// Size returns the number of holders in the subtree
func (h *EntityHolder) Size() int {
	n := 0
	h.Walk(func(*EntityHolder, int) bool {
		n++
		return true
	})
	return n
}

func (h *EntityHolder) String() string {
	return fmt.Sprintf("EntityHolder{id=%s, version=%d, children=%d, attributes=%d}",
		h.id, h.version, len(h.order), h.attributes.Len())
}
