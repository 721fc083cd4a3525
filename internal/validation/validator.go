package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/errors"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/model"
)

const (
	// Size limits
	MaxEntityIDSize = 256
	MaxTenantIDSize = 256
	MaxPayloadBytes = 1 * 1024 * 1024 // 1 MB
	MaxPayloadKeys  = 512
)

// requiredFields lists the payload fields an entity type cannot be
// persisted without. Create and update operations are checked against
// this; delete carries no payload.
var requiredFields = map[model.EntityType][]string{
	model.EntityAccount:             {"name", "account_type", "currency"},
	model.EntityAccountGroup:        {"name"},
	model.EntityTransaction:         {"account_id", "amount", "value_date"},
	model.EntityRecipient:           {"name"},
	model.EntityTag:                 {"name"},
	model.EntityCategory:            {"name"},
	model.EntityCategoryGroup:       {"name"},
	model.EntityPlanningTransaction: {"account_id", "amount"},
	model.EntityAutomationRule:      {"name", "conditions"},
}

// Validator validates incoming sync queue entries before they reach
// the store layer.
type Validator struct {
	maxEntityIDSize int
	maxTenantIDSize int
	maxPayloadKeys  int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxEntityIDSize: MaxEntityIDSize,
		maxTenantIDSize: MaxTenantIDSize,
		maxPayloadKeys:  MaxPayloadKeys,
	}
}

// ValidateEntry validates a sync queue entry structurally. It does not
// touch the store; stale-base detection happens during apply.
func (v *Validator) ValidateEntry(entry *model.SyncQueueEntry) error {
	if entry == nil {
		return errors.Validation("entry is nil", nil)
	}
	if entry.ID == "" {
		return errors.Validation("entry id is required", nil)
	}
	if err := v.ValidateTenantID(entry.TenantID); err != nil {
		return err
	}
	if !model.IsValidEntityType(entry.EntityType) {
		return errors.Validation(fmt.Sprintf("unknown entity type: %s", entry.EntityType), nil).
			WithDetail("entity_type", string(entry.EntityType))
	}
	if err := v.ValidateEntityID(entry.EntityID); err != nil {
		return err
	}
	if !model.IsValidOperation(entry.Operation) {
		return errors.Validation(fmt.Sprintf("unknown operation: %s", entry.Operation), nil).
			WithDetail("operation", string(entry.Operation))
	}

	switch entry.Operation {
	case model.OperationCreate, model.OperationUpdate:
		if err := v.validatePayload(entry.EntityType, entry.Payload); err != nil {
			return err
		}
	case model.OperationDelete:
		// delete needs no payload; a present one is ignored
	}

	if entry.PriorChecksum != "" && !isHexChecksum(entry.PriorChecksum) {
		return errors.Validation("prior checksum must be a 64 character hex string", nil).
			WithDetail("prior_checksum", entry.PriorChecksum)
	}

	return nil
}

// ValidateTenantID validates a tenant ID
func (v *Validator) ValidateTenantID(tenantID string) error {
	if tenantID == "" {
		return errors.Validation("tenant ID cannot be empty", nil)
	}
	if len(tenantID) > v.maxTenantIDSize {
		return errors.Validation(fmt.Sprintf("tenant ID exceeds maximum size of %d bytes", v.maxTenantIDSize), nil)
	}
	// ':' is the separator in composite checkpoint keys
	if strings.Contains(tenantID, ":") {
		return errors.Validation("tenant ID cannot contain ':' character", nil)
	}
	// Tenant IDs become file names of tenant stores
	if strings.ContainsAny(tenantID, "/\\") {
		return errors.Validation("tenant ID cannot contain path separators", nil)
	}
	for _, r := range tenantID {
		if unicode.IsControl(r) {
			return errors.Validation("tenant ID cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateEntityID validates an entity ID
func (v *Validator) ValidateEntityID(entityID string) error {
	if entityID == "" {
		return errors.Validation("entity ID cannot be empty", nil)
	}
	if len(entityID) > v.maxEntityIDSize {
		return errors.Validation(fmt.Sprintf("entity ID exceeds maximum size of %d bytes", v.maxEntityIDSize), nil)
	}
	for _, r := range entityID {
		if unicode.IsControl(r) {
			return errors.Validation("entity ID cannot contain control characters", nil)
		}
	}
	return nil
}

// validatePayload checks payload presence, shape and required fields
func (v *Validator) validatePayload(entityType model.EntityType, payload map[string]any) error {
	if len(payload) == 0 {
		return errors.Validation("payload is required for create and update operations", nil)
	}
	if len(payload) > v.maxPayloadKeys {
		return errors.Validation(fmt.Sprintf("payload exceeds %d fields", v.maxPayloadKeys), nil)
	}
	for _, field := range requiredFields[entityType] {
		value, ok := payload[field]
		if !ok || value == nil {
			return errors.Validation(fmt.Sprintf("payload for %s is missing required field %q", entityType, field), nil).
				WithDetail("entity_type", string(entityType)).
				WithDetail("field", field)
		}
		if s, isString := value.(string); isString && s == "" {
			return errors.Validation(fmt.Sprintf("payload field %q cannot be empty", field), nil).
				WithDetail("field", field)
		}
	}
	return nil
}

func isHexChecksum(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
