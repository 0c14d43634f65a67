// Package identity implements NodeIdentifier (§3) and the identifier
// allocator (§4.D).
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes proxy identifiers from backend identifiers.
type Kind string

const (
	KindProxy   Kind = "proxy"
	KindBackend Kind = "backend"
)

const maxInstance = 99

// maxFutureSkew bounds how far into the future a timestamp may sit and
// still be accepted (§3: "not more than one year in the future").
const maxFutureSkew = 365 * 24 * time.Hour

// NodeIdentifier is the immutable, comparable stable short identifier for
// a proxy or backend (§3).
type NodeIdentifier struct {
	Kind        Kind
	UUID        uuid.UUID
	InstanceID  int
	EpochMillis int64
	Version     int
}

// New constructs a NodeIdentifier, stamping a fresh epoch and a random
// UUID. Callers supply the allocated instance slot.
func New(kind Kind, instanceID int, version int) (NodeIdentifier, error) {
	id := NodeIdentifier{
		Kind:        kind,
		UUID:        uuid.New(),
		InstanceID:  instanceID,
		EpochMillis: time.Now().UnixMilli(),
		Version:     version,
	}
	if err := id.Validate(); err != nil {
		return NodeIdentifier{}, err
	}
	return id, nil
}

// Validate enforces §3's NodeIdentifier invariants.
func (n NodeIdentifier) Validate() error {
	if n.UUID == uuid.Nil {
		return fmt.Errorf("identity: uuid must not be nil")
	}
	if n.InstanceID < 0 || n.InstanceID > maxInstance {
		return fmt.Errorf("identity: instance %d out of range [0,%d]", n.InstanceID, maxInstance)
	}
	if n.EpochMillis <= 0 {
		return fmt.Errorf("identity: epoch must be positive")
	}
	now := time.Now()
	epoch := time.UnixMilli(n.EpochMillis)
	if epoch.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("identity: epoch %s is more than one year in the future", epoch)
	}
	return nil
}

// String renders the canonical text form: "proxy-{uuid}-{instance}-{epoch}".
func (n NodeIdentifier) String() string {
	return fmt.Sprintf("%s-%s-%d-%d", n.Kind, n.UUID.String(), n.InstanceID, n.EpochMillis)
}

// Parse is the total inverse of String: a text form is either valid or
// rejected (R1 round-trip law).
func Parse(text string) (NodeIdentifier, error) {
	parts := strings.Split(text, "-")
	// uuid itself contains four dashes, so the canonical form has
	// kind + 5 uuid segments + instance + epoch = 8 dash-separated parts.
	if len(parts) != 8 {
		return NodeIdentifier{}, fmt.Errorf("identity: malformed identifier %q", text)
	}

	kind := Kind(parts[0])
	if kind != KindProxy && kind != KindBackend {
		return NodeIdentifier{}, fmt.Errorf("identity: unknown kind %q", parts[0])
	}

	rawUUID := strings.Join(parts[1:6], "-")
	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return NodeIdentifier{}, fmt.Errorf("identity: bad uuid in %q: %w", text, err)
	}

	instance, err := strconv.Atoi(parts[6])
	if err != nil {
		return NodeIdentifier{}, fmt.Errorf("identity: bad instance in %q: %w", text, err)
	}

	epoch, err := strconv.ParseInt(parts[7], 10, 64)
	if err != nil {
		return NodeIdentifier{}, fmt.Errorf("identity: bad epoch in %q: %w", text, err)
	}

	n := NodeIdentifier{Kind: kind, UUID: id, InstanceID: instance, EpochMillis: epoch, Version: 1}
	if err := n.Validate(); err != nil {
		return NodeIdentifier{}, err
	}
	return n, nil
}

// Less orders identifiers by (epoch, uuid, instance) per §3.
func (n NodeIdentifier) Less(other NodeIdentifier) bool {
	if n.EpochMillis != other.EpochMillis {
		return n.EpochMillis < other.EpochMillis
	}
	if n.UUID != other.UUID {
		return n.UUID.String() < other.UUID.String()
	}
	return n.InstanceID < other.InstanceID
}

// Equal reports value equality.
func (n NodeIdentifier) Equal(other NodeIdentifier) bool {
	return n.Kind == other.Kind && n.UUID == other.UUID &&
		n.InstanceID == other.InstanceID && n.EpochMillis == other.EpochMillis
}
