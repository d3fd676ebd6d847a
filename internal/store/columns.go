package store

import (
	"maps"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/leadfunnel/internal/model"
)

// ColumnMap translates semantic fields to a backend's column names.
type ColumnMap map[model.Field]string

// TableColumns is the simulation_leads layout shared by the postgres,
// supabase and sqlite drivers.
var TableColumns = ColumnMap{
	model.FieldName:                 "Name",
	model.FieldEmail:                "Email",
	model.FieldPhone:                "Phone",
	model.FieldExternalLeadID:       "fb_lead_id",
	model.FieldClickID:              "fbclid",
	model.FieldCampaignSource:       "utm_source",
	model.FieldCampaignName:         "utm_campaign",
	model.FieldCapitalBracket:       "Capital",
	model.FieldTimeHorizon:          "Retorno",
	model.FieldManagementPreference: "Gestão",
	model.FieldCompleted:            "status",
	model.FieldUpdatedAt:            "updated_at",
}

// PocketBaseColumns is the simulation_leads collection layout.
var PocketBaseColumns = ColumnMap{
	model.FieldName:                 "name",
	model.FieldEmail:                "email",
	model.FieldPhone:                "phone",
	model.FieldExternalLeadID:       "fb_lead_id",
	model.FieldClickID:              "fbclid",
	model.FieldCampaignSource:       "utm_source",
	model.FieldCampaignName:         "utm_campaign",
	model.FieldCapitalBracket:       "capital",
	model.FieldTimeHorizon:          "horizonte",
	model.FieldManagementPreference: "preferencia",
	model.FieldCompleted:            "status",
	model.FieldUpdatedAt:            "updated_at",
}

// NotionColumns is the lead database property layout.
var NotionColumns = ColumnMap{
	model.FieldName:                 "Name",
	model.FieldEmail:                "Email",
	model.FieldPhone:                "Phone",
	model.FieldExternalLeadID:       "Lead ID",
	model.FieldClickID:              "fbclid",
	model.FieldCampaignSource:       "UTM Source",
	model.FieldCampaignName:         "UTM Campaign",
	model.FieldCapitalBracket:       "Capital",
	model.FieldTimeHorizon:          "Retorno",
	model.FieldManagementPreference: "Gestão",
	model.FieldCompleted:            "Completed",
	model.FieldUpdatedAt:            "Updated At",
}

// SalesforceColumns is the Lead sObject layout.
var SalesforceColumns = ColumnMap{
	model.FieldName:                 "LastName",
	model.FieldEmail:                "Email",
	model.FieldPhone:                "Phone",
	model.FieldExternalLeadID:       "Meta_Lead_Id__c",
	model.FieldClickID:              "Fbclid__c",
	model.FieldCampaignSource:       "UTM_Source__c",
	model.FieldCampaignName:         "UTM_Campaign__c",
	model.FieldCapitalBracket:       "Capital_Bracket__c",
	model.FieldTimeHorizon:          "Time_Horizon__c",
	model.FieldManagementPreference: "Management_Preference__c",
	model.FieldCompleted:            "Quiz_Completed__c",
	model.FieldUpdatedAt:            "Quiz_Updated_At__c",
}

// DefaultColumns returns the column layout for a store driver.
func DefaultColumns(driver string) ColumnMap {
	switch driver {
	case "pocketbase":
		return maps.Clone(PocketBaseColumns)
	case "notion":
		return maps.Clone(NotionColumns)
	case "salesforce":
		return maps.Clone(SalesforceColumns)
	default:
		return maps.Clone(TableColumns)
	}
}

// WithOverrides returns a copy of m with columns replaced from over, keyed
// by semantic field name. Names are NFC-normalized so accented column names
// from env vars or YAML match the store's identifiers.
func (m ColumnMap) WithOverrides(over map[string]string) (ColumnMap, error) {
	out := make(ColumnMap, len(m))
	for f, c := range m {
		out[f] = norm.NFC.String(c)
	}
	for k, c := range over {
		f := model.Field(strings.ToLower(strings.TrimSpace(k)))
		if !f.Valid() {
			return nil, eris.Errorf("store: unknown field %q in column overrides", k)
		}
		c = norm.NFC.String(strings.TrimSpace(c))
		if c == "" {
			return nil, eris.Errorf("store: empty column for field %q", k)
		}
		out[f] = c
	}
	return out, nil
}

// Column returns the column name for f.
func (m ColumnMap) Column(f model.Field) (string, bool) {
	c, ok := m[f]
	return c, ok && c != ""
}

// Columns lists the mapped columns in model.AllFields order.
func (m ColumnMap) Columns() []string {
	out := make([]string, 0, len(m))
	for _, f := range model.AllFields {
		if c, ok := m.Column(f); ok {
			out = append(out, c)
		}
	}
	return out
}

// Translate returns parallel column and value slices for fields, in
// model.AllFields order. Unmapped fields are an error.
func (m ColumnMap) Translate(fields model.Fields) ([]string, []any, error) {
	keys := fields.Keys()
	cols := make([]string, 0, len(keys))
	vals := make([]any, 0, len(keys))
	for _, f := range keys {
		c, ok := m.Column(f)
		if !ok {
			return nil, nil, eris.Errorf("store: no column for field %q", f)
		}
		cols = append(cols, c)
		vals = append(vals, fields[f])
	}
	return cols, vals, nil
}

// Row is Translate as a column-keyed map.
func (m ColumnMap) Row(fields model.Fields) (map[string]any, error) {
	cols, vals, err := m.Translate(fields)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return row, nil
}

// fieldKind is the storage type of a semantic field.
type fieldKind int

const (
	kindText fieldKind = iota
	kindBool
	kindTime
)

func kindOf(f model.Field) fieldKind {
	switch f {
	case model.FieldCompleted:
		return kindBool
	case model.FieldUpdatedAt:
		return kindTime
	default:
		return kindText
	}
}
