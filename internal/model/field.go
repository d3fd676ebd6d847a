package model

import (
	"maps"
	"slices"
)

// Field is the semantic name of a lead record attribute. Backends translate
// fields to their own column names; nothing outside the lead store sees a
// store-specific name.
type Field string

const (
	FieldName                 Field = "name"
	FieldEmail                Field = "email"
	FieldPhone                Field = "phone"
	FieldExternalLeadID       Field = "external_lead_id"
	FieldClickID              Field = "click_id"
	FieldCampaignSource       Field = "campaign_source"
	FieldCampaignName         Field = "campaign_name"
	FieldCapitalBracket       Field = "capital_bracket"
	FieldTimeHorizon          Field = "time_horizon"
	FieldManagementPreference Field = "management_preference"
	FieldCompleted            Field = "completed"
	FieldUpdatedAt            Field = "updated_at"
)

// AllFields lists every semantic field in column order.
var AllFields = []Field{
	FieldName,
	FieldEmail,
	FieldPhone,
	FieldExternalLeadID,
	FieldClickID,
	FieldCampaignSource,
	FieldCampaignName,
	FieldCapitalBracket,
	FieldTimeHorizon,
	FieldManagementPreference,
	FieldCompleted,
	FieldUpdatedAt,
}

// Valid reports whether f is a known semantic field.
func (f Field) Valid() bool {
	return slices.Contains(AllFields, f)
}

// Fields is a partial set of lead attributes for one create or update.
// Values are strings except completed (bool) and updated_at (time.Time).
type Fields map[Field]any

// Set stores a string value, skipping empty strings so absent inputs never
// reach the store as "".
func (f Fields) Set(k Field, v string) {
	if v == "" {
		return
	}
	f[k] = v
}

// Merge copies every entry of other into f, overwriting existing keys.
func (f Fields) Merge(other Fields) Fields {
	maps.Copy(f, other)
	return f
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	maps.Copy(out, f)
	return out
}

// String returns the string value for k, or "".
func (f Fields) String(k Field) string {
	s, _ := f[k].(string)
	return s
}

// Keys returns the populated fields in AllFields order, then any unknown
// keys sorted by name.
func (f Fields) Keys() []Field {
	out := make([]Field, 0, len(f))
	for _, k := range AllFields {
		if _, ok := f[k]; ok {
			out = append(out, k)
		}
	}
	var extra []Field
	for k := range f {
		if !k.Valid() {
			extra = append(extra, k)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}
