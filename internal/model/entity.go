package model

import (
	"time"
)

// EntityType enumerates the syncable entity types of the finance domain.
type EntityType string

const (
	EntityAccount             EntityType = "Account"
	EntityAccountGroup        EntityType = "AccountGroup"
	EntityTransaction         EntityType = "Transaction"
	EntityRecipient           EntityType = "Recipient"
	EntityTag                 EntityType = "Tag"
	EntityCategory            EntityType = "Category"
	EntityCategoryGroup       EntityType = "CategoryGroup"
	EntityPlanningTransaction EntityType = "PlanningTransaction"
	EntityAutomationRule      EntityType = "AutomationRule"
)

// KnownEntityTypes lists all entity types in a stable order.
// Status computation and initial data loads iterate this list.
var KnownEntityTypes = []EntityType{
	EntityAccount,
	EntityAccountGroup,
	EntityTransaction,
	EntityRecipient,
	EntityTag,
	EntityCategory,
	EntityCategoryGroup,
	EntityPlanningTransaction,
	EntityAutomationRule,
}

// IsValidEntityType reports whether t is one of the known entity types
func IsValidEntityType(t EntityType) bool {
	for _, known := range KnownEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Entity is a generic persisted row in a tenant store. Payload holds the
// entity's field mapping as submitted by the client; UpdatedAt is the
// logical last-write timestamp used for LWW resolution.
type Entity struct {
	Type      EntityType     `json:"entity_type"`
	ID        string         `json:"entity_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EntityChecksum is the derived fingerprint of an entity's persisted
// content. It is recomputed on demand and never stored alongside the row.
type EntityChecksum struct {
	EntityID  string    `json:"entity_id"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
