package salesforce

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// Lead object placeholders for required fields a funnel visitor may not
// have supplied yet.
const (
	PlaceholderLastName = "[not provided]"
	DefaultCompany      = "Quiz Funnel"
)

// CreateLead inserts a lead record and returns its Salesforce ID. LastName
// and Company are required on the Lead object and get placeholders when
// absent.
func CreateLead(ctx context.Context, c Client, sObject string, fields map[string]any) (string, error) {
	record := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		record[k] = v
	}
	if sObject == "Lead" {
		if s, _ := record["LastName"].(string); s == "" {
			record["LastName"] = PlaceholderLastName
		}
		if s, _ := record["Company"].(string); s == "" {
			record["Company"] = DefaultCompany
		}
	}
	id, err := c.InsertOne(ctx, sObject, record)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("sf: create %s", strings.ToLower(sObject)))
	}
	return id, nil
}

// UpdateLead updates an existing lead record.
func UpdateLead(ctx context.Context, c Client, sObject, id string, fields map[string]any) error {
	if id == "" {
		return eris.New("sf: lead id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, sObject, id, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update %s %s", strings.ToLower(sObject), id))
	}
	return nil
}

// CheckFields verifies that every named field exists on the object and is
// both createable and updateable.
func CheckFields(ctx context.Context, c Client, sObject string, names []string) error {
	desc, err := c.DescribeSObject(ctx, sObject)
	if err != nil {
		return err
	}
	var problems []string
	for _, n := range names {
		f := desc.Field(n)
		switch {
		case f == nil:
			problems = append(problems, n+" missing")
		case !f.Createable || !f.Updateable:
			problems = append(problems, n+" not writable")
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("sf: %s fields: %s", sObject, strings.Join(problems, ", "))
	}
	return nil
}

var errorCodeRe = regexp.MustCompile(`"errorCode"\s*:\s*"([A-Z_]+)"`)

// ErrorCode extracts the Salesforce errorCode from an API error, if present.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if m := errorCodeRe.FindStringSubmatch(err.Error()); m != nil {
		return m[1]
	}
	return ""
}

// IsNotFound reports whether err indicates the record does not exist.
func IsNotFound(err error) bool {
	switch ErrorCode(err) {
	case "NOT_FOUND", "ENTITY_IS_DELETED", "INVALID_CROSS_REFERENCE_KEY":
		return true
	}
	return false
}
