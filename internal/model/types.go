// Package model holds the registry's shared data model (§3).
package model

import (
	"time"

	"github.com/fulcrum-net/registry-service/internal/identity"
)

// Status is a node or slot lifecycle state.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusEvacuating  Status = "EVACUATING"
	StatusStopping    Status = "STOPPING"
	StatusDead        Status = "DEAD"

	SlotAvailable   Status = "AVAILABLE"
	SlotProvisioning Status = "PROVISIONING"
	SlotAllocated   Status = "ALLOCATED"
	SlotInGame      Status = "IN_GAME"
	SlotCooldown    Status = "COOLDOWN"
	SlotFaulted     Status = "FAULTED"
)

// ProxyRecord is a registered proxy's membership record (§3).
type ProxyRecord struct {
	ID            identity.NodeIdentifier
	Address       string
	Port          int
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// BackendRecord is a registered backend's membership record (§3).
type BackendRecord struct {
	ID               identity.NodeIdentifier
	ServerType       string
	Role             string
	Address          string
	Port             int
	MaxCapacity      int
	Version          string
	Status           Status
	PlayerCount      int
	TPS              float64
	LastHeartbeat    time.Time
	Slots            map[string]*LogicalSlotRecord
	FamilyCapacities map[string]int
	FamilyVariants   map[string]map[string]struct{}
}

// CloneSlots returns a shallow copy of the slots map, used by read-only
// snapshot queries (§5 "Read-dominant operations... use snapshot reads").
func (b *BackendRecord) CloneSlots() map[string]*LogicalSlotRecord {
	out := make(map[string]*LogicalSlotRecord, len(b.Slots))
	for k, v := range b.Slots {
		copyVal := *v
		out[k] = &copyVal
	}
	return out
}

// LogicalSlotRecord is a named match/room on a backend (§3).
type LogicalSlotRecord struct {
	SlotID        string
	SlotSuffix    string
	FamilyID      string
	VariantID     string
	Status        Status
	OnlinePlayers int
	MaxPlayers    int
	GameType      string
	Metadata      map[string]string
	LastUpdated   time.Time
	BackendID     string
}

// PartyReservationAllocation tracks a grouped slot reservation for
// multiple players (§3).
type PartyReservationAllocation struct {
	ReservationID string
	FamilyID      string
	VariantID     string
	SlotID        string
	SlotSuffix    string
	ServerID      string
	PartySize     int
	TeamIndex     int
	Tokens        map[string]string
	Released      bool
	AllocatedAt   time.Time
	Dispatched    map[string]struct{}
	Claimed       map[string]struct{}
	Failures      map[string]string
}

// ClaimProgress summarizes a party reservation's claim state (§4.J).
type ClaimProgress struct {
	Complete bool
	Success  bool
	Failures map[string]string
	Missing  []string
}

// Heartbeat is a periodic liveness message (§3).
type Heartbeat struct {
	NodeID      string
	PlayerCount int
	TPS         float64
	Status      string // "" or "SHUTDOWN"
}

// RegistrationRequest is published by a node joining the fleet (§4.G).
type RegistrationRequest struct {
	TempID      string
	ServerType  string
	Role        string
	Address     string
	Port        int
	MaxCapacity int
	Version     string
}

// RegistrationResponse answers a RegistrationRequest (§4.G).
type RegistrationResponse struct {
	TempID     string
	AssignedID string
	Success    bool
	Reason     string
}

// ServerRemovalNotification requests graceful removal of a node (§4.G).
type ServerRemovalNotification struct {
	NodeID string
	Reason string
}

// StatusChange announces a membership status transition (§4.E).
type StatusChange struct {
	NodeID string
	From   Status
	To     Status
}

// NodeAdded announces a freshly registered node (§4.G).
type NodeAdded struct {
	AssignedID string
	Role       string
	Address    string
	Port       int
}

// NodeRemoved announces a node's departure, graceful or forced (§4.G).
type NodeRemoved struct {
	AssignedID        string
	Reason            string
	GracefulShutdown  bool
}

// SlotClaim directs a backend to transition a slot into PROVISIONING
// (§4.I).
type SlotClaim struct {
	SlotID        string
	ReservationID string
	RequesterID   string
}

// ProvisionRequest asks the provisioning service for slot capacity
// (§4.I).
type ProvisionRequest struct {
	FamilyID     string
	VariantID    string
	DesiredCount int
	AffinityHint string
	RequesterID  string
}

// ProvisionResultStatus classifies a ProvisionResult.
type ProvisionResultStatus string

const (
	ProvisionSatisfied ProvisionResultStatus = "SATISFIED"
	ProvisionPartial   ProvisionResultStatus = "PARTIAL"
	ProvisionExhausted ProvisionResultStatus = "EXHAUSTED"
)

// ProvisionResult is the outcome of a provisioning request (§4.I).
type ProvisionResult struct {
	Status          ProvisionResultStatus
	ReservationToken string
	Slots           []*LogicalSlotRecord
	Reason          string
}

// LocateResult answers a player-locate query (§4.J).
type LocateResult struct {
	Found      bool
	ServerID   string
	SlotSuffix string
	FamilyID   string
	ProxyID    string
}

// PartyReservationSnapshot carries party membership into a routing
// request (§4.J).
type PartyReservationSnapshot struct {
	ReservationID string
	FamilyID      string
	VariantID     string
	PartySize     int
	TeamIndex     int
	PlayerIDs     []string
}

// ShutdownTargetKind distinguishes backend vs proxy shutdown targets
// (§4.K).
type ShutdownTargetKind string

const (
	TargetBackend ShutdownTargetKind = "BACKEND"
	TargetProxy   ShutdownTargetKind = "PROXY"
)

// ShutdownTarget names one node affected by a shutdown intent (§4.K).
type ShutdownTarget struct {
	ID   string
	Kind ShutdownTargetKind
}

// EvacuationResponse is a target's acknowledgement that it has drained
// its players following an EvacuationRequest (§4.K, §4.C
// ChanEvacuationResponse).
type EvacuationResponse struct {
	TargetID string
	Drained  bool
}
