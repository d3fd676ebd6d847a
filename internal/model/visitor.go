package model

import (
	"net/url"
	"strings"
)

// Contact holds the identity a visitor arrives with.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Attribution holds ad-platform parameters captured at session start.
// It is never modified afterwards.
type Attribution struct {
	ExternalLeadID string `json:"external_lead_id,omitempty"`
	ClickID        string `json:"click_id,omitempty"`
	CampaignSource string `json:"campaign_source,omitempty"`
	CampaignName   string `json:"campaign_name,omitempty"`
}

// RequestContext is the browser context forwarded with conversion events.
type RequestContext struct {
	ClientIP   string `json:"client_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Referrer   string `json:"referrer,omitempty"`
	LandingURL string `json:"landing_url,omitempty"`
	BrowserID  string `json:"browser_id,omitempty"` // _fbp cookie
}

// Visitor is everything known about the person behind a session before any
// quiz answer.
type Visitor struct {
	Contact     Contact        `json:"contact"`
	Attribution Attribution    `json:"attribution"`
	Request     RequestContext `json:"request"`
}

// queryAliases maps each inbound field to the query parameters that may carry
// it, in precedence order.
var queryAliases = []struct {
	field   Field
	aliases []string
}{
	{FieldName, []string{"full_name", "first_name", "name"}},
	{FieldEmail, []string{"email"}},
	{FieldPhone, []string{"phone_number", "phone"}},
	{FieldExternalLeadID, []string{"lead_id", "fb_lead_id"}},
	{FieldClickID, []string{"fbclid"}},
	{FieldCampaignSource, []string{"utm_source"}},
	{FieldCampaignName, []string{"utm_campaign"}},
}

// ParseVisitor reads contact and attribution values from landing-page query
// parameters. The first non-empty alias wins; missing values stay empty.
func ParseVisitor(q url.Values) Visitor {
	found := make(map[Field]string, len(queryAliases))
	for _, qa := range queryAliases {
		for _, a := range qa.aliases {
			if v := strings.TrimSpace(q.Get(a)); v != "" {
				found[qa.field] = v
				break
			}
		}
	}

	return Visitor{
		Contact: Contact{
			Name:  found[FieldName],
			Email: found[FieldEmail],
			Phone: found[FieldPhone],
		},
		Attribution: Attribution{
			ExternalLeadID: found[FieldExternalLeadID],
			ClickID:        found[FieldClickID],
			CampaignSource: found[FieldCampaignSource],
			CampaignName:   found[FieldCampaignName],
		},
	}
}

// LeadFields returns the contact and attribution part of a lead record.
// Empty values are omitted.
func (v Visitor) LeadFields() Fields {
	f := make(Fields, 7)
	f.Set(FieldName, v.Contact.Name)
	f.Set(FieldEmail, v.Contact.Email)
	f.Set(FieldPhone, v.Contact.Phone)
	f.Set(FieldExternalLeadID, v.Attribution.ExternalLeadID)
	f.Set(FieldClickID, v.Attribution.ClickID)
	f.Set(FieldCampaignSource, v.Attribution.CampaignSource)
	f.Set(FieldCampaignName, v.Attribution.CampaignName)
	return f
}

// FirstName returns the first word of the contact name.
func (c Contact) FirstName() string {
	first, _, _ := strings.Cut(strings.TrimSpace(c.Name), " ")
	return first
}

// LastName returns everything after the first word of the contact name.
func (c Contact) LastName() string {
	_, last, _ := strings.Cut(strings.TrimSpace(c.Name), " ")
	return strings.TrimSpace(last)
}
