package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/cuemby/keel/pkg/model"
)

// ErrUnknownKind is returned when a value's type or kind was never registered
var ErrUnknownKind = errors.New("unknown kind")

// Value is an opaque entity or attribute value tagged with its registered kind
type Value struct {
	Kind string          `json:"kind,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the persisted form of an entity holder and its subtree
type Snapshot struct {
	ID         string           `json:"id"`
	Version    uint64           `json:"version"`
	Entity     Value            `json:"entity"`
	Attributes map[string]Value `json:"attributes,omitempty"`
	Children   []Snapshot       `json:"children,omitempty"`
}

// Codec converts entity trees to and from snapshots. Holders carry opaque
// values, so every concrete type stored in a tree must be registered under a
// kind before the tree can be encoded.
type Codec struct {
	mu     sync.RWMutex
	byKind map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewCodec creates a codec that already knows the basic scalar types
func NewCodec() *Codec {
	c := &Codec{
		byKind: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	c.MustRegister("string", "")
	c.MustRegister("bool", false)
	c.MustRegister("int", 0)
	c.MustRegister("int64", int64(0))
	c.MustRegister("float64", float64(0))
	c.MustRegister("strings", []string(nil))
	c.MustRegister("labels", map[string]string(nil))
	return c
}

// Register associates kind with the dynamic type of prototype. Registering
// the same pair twice is allowed; reusing a kind or a type for something else
// is not.
func (c *Codec) Register(kind string, prototype any) error {
	if kind == "" || prototype == nil {
		return fmt.Errorf("register requires a kind and a non-nil prototype")
	}
	t := reflect.TypeOf(prototype)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKind[kind]; ok && existing != t {
		return fmt.Errorf("kind %s already registered for %s", kind, existing)
	}
	if existing, ok := c.byType[t]; ok && existing != kind {
		return fmt.Errorf("type %s already registered as %s", t, existing)
	}
	c.byKind[kind] = t
	c.byType[t] = kind
	return nil
}

// MustRegister is like Register but panics on error
func (c *Codec) MustRegister(kind string, prototype any) {
	if err := c.Register(kind, prototype); err != nil {
		panic(err)
	}
}

// KindOf returns the kind v's type is registered under
func (c *Codec) KindOf(v any) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kind, ok := c.byType[reflect.TypeOf(v)]
	return kind, ok
}

// Encode tags v with its kind and marshals it. A nil value encodes to the
// empty Value.
func (c *Codec) Encode(v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}

	c.mu.RLock()
	kind, ok := c.byType[reflect.TypeOf(v)]
	c.mu.RUnlock()
	if !ok {
		return Value{}, fmt.Errorf("%w: %T", ErrUnknownKind, v)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return Value{Kind: kind, Data: data}, nil
}

// Decode unmarshals v into a fresh value of its registered type
func (c *Codec) Decode(v Value) (any, error) {
	if v.Kind == "" {
		return nil, nil
	}

	c.mu.RLock()
	t, ok := c.byKind[v.Kind]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, v.Kind)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(v.Data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", v.Kind, err)
	}
	return ptr.Elem().Interface(), nil
}

// EncodeTree converts root and all of its descendants into a snapshot
func (c *Codec) EncodeTree(root *model.EntityHolder) (*Snapshot, error) {
	entity, err := c.Encode(root.Entity())
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", root.ID(), err)
	}

	s := &Snapshot{
		ID:      root.ID(),
		Version: root.Version(),
		Entity:  entity,
	}

	attributes := root.Attributes()
	if len(attributes) > 0 {
		s.Attributes = make(map[string]Value, len(attributes))
		for key, value := range attributes {
			encoded, err := c.Encode(value)
			if err != nil {
				return nil, fmt.Errorf("attribute %s of %s: %w", key, root.ID(), err)
			}
			s.Attributes[key] = encoded
		}
	}

	for _, child := range root.Children() {
		cs, err := c.EncodeTree(child)
		if err != nil {
			return nil, err
		}
		s.Children = append(s.Children, *cs)
	}
	return s, nil
}

// DecodeTree rebuilds the holder tree described by s, versions included
func (c *Codec) DecodeTree(s *Snapshot) (*model.EntityHolder, error) {
	entity, err := c.Decode(s.Entity)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", s.ID, err)
	}

	attributes := make(map[string]any, len(s.Attributes))
	for key, value := range s.Attributes {
		decoded, err := c.Decode(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s of %s: %w", key, s.ID, err)
		}
		attributes[key] = decoded
	}

	children := make([]*model.EntityHolder, 0, len(s.Children))
	for i := range s.Children {
		child, err := c.DecodeTree(&s.Children[i])
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return model.Restore(s.ID, s.Version, entity, attributes, children)
}

// Marshal encodes a whole tree to JSON
func (c *Codec) Marshal(root *model.EntityHolder) ([]byte, error) {
	s, err := c.EncodeTree(root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Unmarshal decodes a tree previously produced by Marshal
func (c *Codec) Unmarshal(data []byte) (*model.EntityHolder, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return c.DecodeTree(&s)
}
