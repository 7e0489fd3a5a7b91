package fixtures

import (
	"fmt"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
)

var (
	TestCredentialActive = model.Credential{
		ID:     1,
		UserID: 1,
		APIKey: "test-api-key-1",
		Active: true,
	}

	TestCredentialRevoked = model.Credential{
		ID:     2,
		UserID: 1,
		APIKey: "test-api-key-2",
		Active: false,
	}

	TestGroup = model.ContactGroup{
		ID:   1,
		Name: "Newsletter Subscribers",
	}
)

func NewTestCampaign(groupID, credentialID int64, status model.CampaignStatus) *model.Campaign {
	return &model.Campaign{
		Name:         "October Newsletter",
		Subject:      "Hello {{first_name}}",
		SenderName:   "Acme",
		SenderEmail:  "news@acme.test",
		BodyHTML:     "<p>Hi {{first_name}}, the news is out.</p>",
		GroupID:      groupID,
		CredentialID: credentialID,
		Status:       status,
		CreatedAt:    time.Now(),
	}
}

func NewTestContact(id, groupID int64) *model.Contact {
	return &model.Contact{
		ID:      id,
		GroupID: groupID,
		Email:   fmt.Sprintf("contact%d@example.test", id),
		Name:    fmt.Sprintf("Contact %d", id),
		Attributes: map[string]string{
			"first_name": fmt.Sprintf("Contact%d", id),
		},
		CreatedAt: time.Now(),
	}
}

func NewTestContacts(groupID int64, n int) []*model.Contact {
	contacts := make([]*model.Contact, 0, n)
	for i := 1; i <= n; i++ {
		contacts = append(contacts, NewTestContact(int64(i), groupID))
	}
	return contacts
}

func CampaignCreateRequestDraft(groupID, credentialID int64) model.CampaignCreateRequest {
	return model.CampaignCreateRequest{
		Name:         "October Newsletter",
		Subject:      "Hello {{first_name}}",
		SenderName:   "Acme",
		SenderEmail:  "news@acme.test",
		BodyHTML:     "<p>Hi {{first_name}}</p>",
		GroupID:      groupID,
		CredentialID: credentialID,
	}
}

func CampaignCreateRequestScheduled(groupID, credentialID int64, at time.Time) model.CampaignCreateRequest {
	req := CampaignCreateRequestDraft(groupID, credentialID)
	req.ScheduledAt = &at
	return req
}

func CampaignCreateRequestMissingSubject(groupID, credentialID int64) model.CampaignCreateRequest {
	req := CampaignCreateRequestDraft(groupID, credentialID)
	req.Subject = ""
	return req
}

func NewDeliveredWebhookPayload(messageID, email string) model.WebhookPayload {
	return model.WebhookPayload{
		Event:     model.EventDelivered,
		Email:     email,
		MessageID: messageID,
	}
}

func NewBouncedWebhookPayload(messageID, email, reason string) model.WebhookPayload {
	return model.WebhookPayload{
		Event:     model.EventBounced,
		Email:     email,
		MessageID: messageID,
		Reason:    reason,
	}
}

func CampaignFilterByStatus(statuses ...model.CampaignStatus) model.CampaignFilter {
	return model.CampaignFilter{
		Statuses: statuses,
		Limit:    50,
		Offset:   0,
		Desc:     false,
	}
}

func CampaignFilterByTimeRange(from, to time.Time) model.CampaignFilter {
	return model.CampaignFilter{
		From:   &from,
		To:     &to,
		Limit:  50,
		Offset: 0,
		Desc:   false,
	}
}
