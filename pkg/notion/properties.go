package notion

import (
	"errors"
	"time"

	"github.com/jomei/notionapi"
)

// Title builds a title property value.
func Title(s string) notionapi.TitleProperty {
	return notionapi.TitleProperty{
		Type:  notionapi.PropertyTypeTitle,
		Title: richText(s),
	}
}

// RichText builds a rich_text property value.
func RichText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type:     notionapi.PropertyTypeRichText,
		RichText: richText(s),
	}
}

// Email builds an email property value.
func Email(s string) notionapi.EmailProperty {
	return notionapi.EmailProperty{Type: notionapi.PropertyTypeEmail, Email: s}
}

// Phone builds a phone_number property value.
func Phone(s string) notionapi.PhoneNumberProperty {
	return notionapi.PhoneNumberProperty{Type: notionapi.PropertyTypePhoneNumber, PhoneNumber: s}
}

// Checkbox builds a checkbox property value.
func Checkbox(b bool) notionapi.CheckboxProperty {
	return notionapi.CheckboxProperty{Type: notionapi.PropertyTypeCheckbox, Checkbox: b}
}

// Date builds a date property value.
func Date(t time.Time) notionapi.DateProperty {
	d := notionapi.Date(t)
	return notionapi.DateProperty{
		Type: notionapi.PropertyTypeDate,
		Date: &notionapi.DateObject{Start: &d},
	}
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
	}
}

// PropertyTypes returns the property name to type map of a database.
func PropertyTypes(db *notionapi.Database) map[string]string {
	out := make(map[string]string, len(db.Properties))
	for name, cfg := range db.Properties {
		if cfg == nil {
			continue
		}
		out[name] = string(cfg.GetType())
	}
	return out
}

// IsNotFound reports whether err is a Notion 404 (missing or unshared page).
func IsNotFound(err error) bool {
	var apiErr *notionapi.Error
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// APIError extracts the Notion error code and message, if err carries one.
func APIError(err error) (code, message string, ok bool) {
	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return "", "", false
	}
	return string(apiErr.Code), apiErr.Message, true
}
