// Package graph defines the vocabulary shared by every layer of branchgraph:
// vertices (entities), temporal branch-scoped edges and the error taxonomy.
//
// Every value in this package is treated as immutable once written to a
// backend. The only mutation an edge ever sees is the closing of its
// validity window (setting To).
package graph

import (
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a Unix nanosecond instant. The zero value means "unset" when
// used as a query instant and "still open" when used as an edge end.
type Timestamp int64

// Now returns the current instant.
func Now() Timestamp {
	return Timestamp(time.Now().UnixNano())
}

// FromTime converts a time.Time into a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Time returns the instant as a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t)).UTC()
}

func (t Timestamp) IsZero() bool { return t == 0 }

func (t Timestamp) String() string {
	if t == 0 {
		return "open"
	}
	return t.Time().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts either RFC3339 text or a raw nanosecond integer.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Timestamp(n), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return FromTime(t), nil
}

// Class is the closed set of vertex variants.
type Class string

const (
	ClassRoot           Class = "Root"
	ClassBranch         Class = "Branch"
	ClassNode           Class = "Node"
	ClassAttribute      Class = "Attribute"
	ClassAttributeValue Class = "AttributeValue"
	ClassRelationship   Class = "Relationship"
)

// Valid reports whether c is one of the known classes.
func (c Class) Valid() bool {
	switch c {
	case ClassRoot, ClassBranch, ClassNode, ClassAttribute, ClassAttributeValue, ClassRelationship:
		return true
	}
	return false
}

// EdgeType names the kind of connection an edge represents.
type EdgeType string

const (
	IsPartOf     EdgeType = "IS_PART_OF"
	HasAttribute EdgeType = "HAS_ATTRIBUTE"
	HasValue     EdgeType = "HAS_VALUE"
	IsRelated    EdgeType = "IS_RELATED"
	HasOwner     EdgeType = "HAS_OWNER"
	HasSource    EdgeType = "HAS_SOURCE"
	IsVisible    EdgeType = "IS_VISIBLE"
	IsProtected  EdgeType = "IS_PROTECTED"
)

// SingleValued reports whether a vertex holds at most one outbound edge of
// type t in any resolved view.
func (t EdgeType) SingleValued() bool {
	return t == HasValue || t == IsPartOf
}

// Status is the state an edge asserts for its (source, type, target) triple.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Direction selects which end of an edge a vertex query anchors on.
type Direction int

const (
	// Outbound matches edges whose Source is the anchor vertex.
	Outbound Direction = iota
	// Inbound matches edges whose Target is the anchor vertex.
	Inbound
	// Both matches either end.
	Both
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "both"
	}
}

// Well-known identifiers.
const (
	RootID        = "root"
	GlobalBranch  = "-global-"
	DefaultBranch = "main"
)

// Entity is a vertex. ID is unique per vertex; UUID is the logical identity
// and is shared by the vertices a re-kinding migration produces.
type Entity struct {
	ID         string         `json:"id"`
	UUID       string         `json:"uuid"`
	Class      Class          `json:"class"`
	Kind       string         `json:"kind,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  Timestamp      `json:"created_at"`
}

// Prop returns a property as a string, or "" when absent.
func (e Entity) Prop(key string) string {
	v, ok := e.Properties[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// HasLabel reports whether the entity carries label l.
func (e Entity) HasLabel(l string) bool {
	for _, x := range e.Labels {
		if x == l {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entity's mutable containers.
func (e Entity) Clone() Entity {
	out := e
	out.Labels = append([]string(nil), e.Labels...)
	out.Properties = CloneProperties(e.Properties)
	return out
}

// Edge is a typed, directed, branch-scoped connection valid over the
// half-open window [From, To). To == 0 means the edge is still open.
// Origin is set on edges a rewrite carried to a new vertex: it is the From of
// the edge the copy replaces and keeps the copy's precedence among edges
// written at the same instant.
type Edge struct {
	ID          string         `json:"id"`
	Type        EdgeType       `json:"type"`
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Branch      string         `json:"branch"`
	BranchLevel int            `json:"branch_level"`
	Status      Status         `json:"status"`
	From        Timestamp      `json:"from"`
	To          Timestamp      `json:"to,omitempty"`
	Origin      Timestamp      `json:"origin,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// OriginFrom returns Origin, or From for an edge that was never carried.
func (e Edge) OriginFrom() Timestamp {
	if e.Origin != 0 {
		return e.Origin
	}
	return e.From
}

// Open reports whether the edge's window has not been closed.
func (e Edge) Open() bool { return e.To == 0 }

// ValidAt reports whether t falls inside [From, To).
func (e Edge) ValidAt(t Timestamp) bool {
	return e.From <= t && (e.To == 0 || e.To > t)
}

// IsActive reports whether the edge asserts presence (as opposed to a
// deletion marker).
func (e Edge) IsActive() bool { return e.Status == StatusActive }

// Peer returns the end of the edge that is not vertex.
func (e Edge) Peer(vertex string) string {
	if e.Source == vertex {
		return e.Target
	}
	return e.Source
}

// Clone returns a copy with its own property map.
func (e Edge) Clone() Edge {
	out := e
	out.Properties = CloneProperties(e.Properties)
	return out
}

func (e Edge) String() string {
	return fmt.Sprintf("%s(%s)-[%s %s@%s:%d %s..%s]->(%s)",
		e.ID, e.Source, e.Type, e.Status, e.Branch, e.BranchLevel, e.From, e.To, e.Target)
}

// BranchScope is one entry of a branch ancestry: the branch name, its
// hierarchy level and an optional cap. When Until is non-zero, edges of this
// branch are judged as of min(Until, query instant).
type BranchScope struct {
	Name  string    `json:"name"`
	Level int       `json:"level"`
	Until Timestamp `json:"until,omitempty"`
}

// CloneProperties copies a property map. Nested values are shared.
func CloneProperties(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
