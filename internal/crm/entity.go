// Package crm defines the entity model shared by the local store, the change
// queue, and the remote CRM client.
package crm

import (
	"fmt"
	"sort"
)

// EntityType identifies a synced CRM object kind
type EntityType string

const (
	EntityLead     EntityType = "lead"
	EntityContact  EntityType = "contact"
	EntityCase     EntityType = "case"
	EntityActivity EntityType = "activity"
)

// EntityTypes lists all synced entity kinds
var EntityTypes = []EntityType{EntityLead, EntityContact, EntityCase, EntityActivity}

// ParseEntityType validates and converts a string to an EntityType
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	for _, known := range EntityTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// FieldSet is a flat field-name to value map, the unit of exchange between
// the local store and the remote CRM.
type FieldSet map[string]string

// Clone returns a copy of the field set
func (f FieldSet) Clone() FieldSet {
	out := make(FieldSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Names returns the field names in sorted order
func (f FieldSet) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Merge returns a copy of f with the other set's values applied on top
func (f FieldSet) Merge(other FieldSet) FieldSet {
	out := f.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Diff returns the names of fields whose values differ between f and other,
// including fields present on only one side.
func (f FieldSet) Diff(other FieldSet) []string {
	changed := make(map[string]struct{})
	for k, v := range f {
		if ov, ok := other[k]; !ok || ov != v {
			changed[k] = struct{}{}
		}
	}
	for k := range other {
		if _, ok := f[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(changed))
	for k := range changed {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Overlaps reports whether any name appears in both slices
func Overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, n := range a {
		set[n] = struct{}{}
	}
	for _, n := range b {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// Per-type field schemas. Unknown field names are rejected at the boundary so
// schema drift between the two stores surfaces as an error, not silent data loss.
var schemas = map[EntityType][]string{
	EntityLead: {
		"first_name", "last_name", "email", "phone", "company",
		"status", "source", "rating", "street", "city", "postal_code", "country",
	},
	EntityContact: {
		"first_name", "last_name", "email", "phone", "mobile",
		"title", "department", "account_id", "street", "city", "postal_code", "country",
	},
	EntityCase: {
		"subject", "description", "status", "priority", "origin",
		"contact_id", "account_id",
	},
	EntityActivity: {
		"kind", "subject", "description", "occurred_at",
		"contact_id", "lead_id", "duration_minutes",
	},
}

// Schema returns the allowed field names for an entity type
func Schema(t EntityType) []string {
	fields := schemas[t]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// ValidateFields checks that every field name is part of the type's schema
func ValidateFields(t EntityType, fields FieldSet) error {
	allowed, ok := schemas[t]
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	set := make(map[string]struct{}, len(allowed))
	for _, n := range allowed {
		set[n] = struct{}{}
	}
	for name := range fields {
		if _, ok := set[name]; !ok {
			return fmt.Errorf("field %q is not part of the %s schema", name, t)
		}
	}
	return nil
}

// Activity kinds recognized by the activity logger
const (
	ActivityEmailSent = "email_sent"
	ActivityCallMade  = "call_made"
)
