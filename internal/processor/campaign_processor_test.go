package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	gateway "github.com/pulsemail/campaign-gateway/internal/gateways"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStores is an in-memory implementation of every store the
// processor touches, sharing one mutex so concurrent pool sends are
// exercised for real.
type memStores struct {
	mu sync.Mutex

	campaign    *model.Campaign
	campaignErr error

	records map[string]*model.DeliveryRecord // key campaignID/contactID
	nextID  int64

	contacts []*model.Contact

	cred    *model.Credential
	credErr error
}

func newMemStores(campaign *model.Campaign, contacts []*model.Contact) *memStores {
	return &memStores{
		campaign: campaign,
		contacts: contacts,
		records:  make(map[string]*model.DeliveryRecord),
		cred:     &model.Credential{ID: 1, APIKey: "key-1", Active: true},
	}
}

func recKey(campaignID, contactID int64) string {
	return fmt.Sprintf("%d/%d", campaignID, contactID)
}

func (s *memStores) GetByID(_ context.Context, _ int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.campaignErr != nil {
		return nil, s.campaignErr
	}
	c := *s.campaign
	return &c, nil
}

func (s *memStores) UpdateStatus(_ context.Context, _ int64, status model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaign.Status = status
	return nil
}

func (s *memStores) UpdateStatusFrom(_ context.Context, _ int64, from, to model.CampaignStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.campaign.Status != from {
		return false, nil
	}
	s.campaign.Status = to
	return true, nil
}

func (s *memStores) BulkCreatePending(_ context.Context, campaignID int64, contacts []*model.Contact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var created int64
	for _, c := range contacts {
		key := recKey(campaignID, c.ID)
		if _, exists := s.records[key]; exists {
			continue
		}
		s.nextID++
		s.records[key] = &model.DeliveryRecord{
			ID:         s.nextID,
			CampaignID: campaignID,
			ContactID:  c.ID,
			Email:      c.Email,
			Status:     model.DeliveryStatusPending,
		}
		created++
	}
	return created, nil
}

func (s *memStores) ListPending(_ context.Context, campaignID int64) ([]*model.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.DeliveryRecord
	for _, r := range s.records {
		if r.CampaignID == campaignID && r.Status == model.DeliveryStatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStores) MarkSent(_ context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id && r.Status == model.DeliveryStatusPending {
			r.Status = model.DeliveryStatusSent
			r.ProviderMessageID = providerMessageID
			r.SentAt = &sentAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStores) MarkFailed(_ context.Context, id int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id && r.Status == model.DeliveryStatusPending {
			r.Status = model.DeliveryStatusFailed
			r.ErrorMessage = errorMessage
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *memStores) CountByStatus(_ context.Context, campaignID int64) (model.DeliveryCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(model.DeliveryCounts)
	for _, r := range s.records {
		if r.CampaignID == campaignID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (s *memStores) ListByGroup(_ context.Context, _ int64) ([]*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts, nil
}

func (s *memStores) GetActive(_ context.Context, _ int64) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credErr != nil {
		return nil, s.credErr
	}
	return s.cred, nil
}

type fakeSender struct {
	mu    sync.Mutex
	calls []*gateway.SendEmailRequest
	send  func(req *gateway.SendEmailRequest) (*gateway.SendEmailResponse, error)
}

func (f *fakeSender) SendEmail(_ context.Context, _ string, req *gateway.SendEmailRequest) (*gateway.SendEmailResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(req)
	}
	return &gateway.SendEmailResponse{MessageID: fmt.Sprintf("prov-%d", n)}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type ackRecorder struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (r *ackRecorder) delivery(t *testing.T, campaignID int64) *broker.Delivery {
	t.Helper()
	body, err := json.Marshal(model.SendMessage{CampaignID: campaignID})
	require.NoError(t, err)
	return broker.NewDelivery(body, "msg-1", false,
		func() error {
			r.acked = true
			return nil
		},
		func(requeue bool) error {
			r.nacked = true
			r.requeued = requeue
			return nil
		})
}

func groupContacts(n int) []*model.Contact {
	contacts := make([]*model.Contact, n)
	for i := range contacts {
		contacts[i] = &model.Contact{
			ID:         int64(i + 1),
			GroupID:    1,
			Email:      fmt.Sprintf("c%d@acme.test", i+1),
			Attributes: map[string]string{"first_name": fmt.Sprintf("C%d", i+1)},
		}
	}
	return contacts
}

func newTestProcessor(t *testing.T, stores *memStores, sender *fakeSender) *CampaignProcessor {
	t.Helper()
	adapter, _ := newTestAdapter(t)
	pool := worker.NewPool(4, 64)
	pool.Start()
	t.Cleanup(pool.Stop)
	return NewCampaignProcessor(stores, stores, stores, stores, sender,
		NewCampaignLock(adapter, time.Minute), pool)
}

func sendingCampaign() *model.Campaign {
	return &model.Campaign{
		ID:           1,
		Subject:      "Hi {{first_name}}",
		SenderName:   "Acme",
		SenderEmail:  "news@acme.test",
		BodyHTML:     "<p>Hello {{first_name}}</p>",
		GroupID:      1,
		CredentialID: 1,
		Status:       model.CampaignStatusSending,
	}
}

func TestCampaignProcessor_FanOutHappyPath(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(3))
	sender := &fakeSender{}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	assert.Equal(t, 3, sender.callCount())
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)

	counts, err := stores.CountByStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[model.DeliveryStatusSent])

	// Personalization reached the provider.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	for _, call := range sender.calls {
		assert.NotContains(t, call.Subject, "{{")
		assert.NotContains(t, call.BodyHTML, "{{")
	}
}

func TestCampaignProcessor_ScheduledCampaignMovesToSending(t *testing.T) {
	campaign := sendingCampaign()
	campaign.Status = model.CampaignStatusScheduled
	stores := newMemStores(campaign, groupContacts(1))
	p := newTestProcessor(t, stores, &fakeSender{})

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)
}

func TestCampaignProcessor_PartialFailureStillSent(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(10))
	sender := &fakeSender{
		send: func(req *gateway.SendEmailRequest) (*gateway.SendEmailResponse, error) {
			switch req.To {
			case "c3@acme.test", "c6@acme.test", "c9@acme.test":
				return nil, &gateway.SendError{Kind: gateway.ErrorRejected, StatusCode: 400, Reason: "invalid recipient"}
			}
			return &gateway.SendEmailResponse{MessageID: "prov-" + req.To}, nil
		},
	}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)

	counts, err := stores.CountByStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts[model.DeliveryStatusSent])
	assert.Equal(t, int64(3), counts[model.DeliveryStatusFailed])
	assert.Zero(t, counts[model.DeliveryStatusPending])
}

func TestCampaignProcessor_UniformAuthFailureFailsCampaign(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(5))
	sender := &fakeSender{
		send: func(_ *gateway.SendEmailRequest) (*gateway.SendEmailResponse, error) {
			return nil, &gateway.SendError{Kind: gateway.ErrorAuth, StatusCode: 401, Reason: "bad api key"}
		},
	}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	assert.Equal(t, model.CampaignStatusFailed, stores.campaign.Status)
}

func TestCampaignProcessor_AllRecipientsRejectedStillSent(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(3))
	sender := &fakeSender{
		send: func(req *gateway.SendEmailRequest) (*gateway.SendEmailResponse, error) {
			return nil, &gateway.SendError{Kind: gateway.ErrorRejected, StatusCode: 400, Reason: "invalid recipient"}
		},
	}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	// Every recipient was refused individually, not uniformly for auth,
	// so the run completed and the campaign is sent with failed records.
	assert.True(t, rec.acked)
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)

	counts, err := stores.CountByStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[model.DeliveryStatusFailed])
	assert.Zero(t, counts[model.DeliveryStatusSent])
}

func TestCampaignProcessor_RedeliveryIsIdempotent(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(4))
	sender := &fakeSender{}
	p := newTestProcessor(t, stores, sender)

	first := &ackRecorder{}
	p.Handle(first.delivery(t, 1))
	require.True(t, first.acked)
	require.Equal(t, 4, sender.callCount())

	// Campaign went sent; a redelivered message is dropped without
	// touching the provider.
	second := &ackRecorder{}
	p.Handle(second.delivery(t, 1))
	assert.True(t, second.acked)
	assert.Equal(t, 4, sender.callCount())
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)
}

func TestCampaignProcessor_ResumesCrashedRun(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(4))
	// Simulate a crashed previous run: two records already attempted.
	_, err := stores.BulkCreatePending(context.Background(), 1, stores.contacts)
	require.NoError(t, err)
	require.NoError(t, stores.MarkSent(context.Background(), 1, "prov-old-1", time.Now()))
	require.NoError(t, stores.MarkFailed(context.Background(), 2, "old failure"))

	sender := &fakeSender{}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	// Only the two still-pending records were retried.
	assert.Equal(t, 2, sender.callCount())
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)
}

func TestCampaignProcessor_DropsUnprocessableMessages(t *testing.T) {
	t.Run("missing campaign", func(t *testing.T) {
		stores := newMemStores(sendingCampaign(), nil)
		stores.campaignErr = repository.ErrNotFound
		sender := &fakeSender{}
		p := newTestProcessor(t, stores, sender)

		rec := &ackRecorder{}
		p.Handle(rec.delivery(t, 1))

		assert.True(t, rec.acked)
		assert.Zero(t, sender.callCount())
	})

	t.Run("campaign already sent", func(t *testing.T) {
		campaign := sendingCampaign()
		campaign.Status = model.CampaignStatusSent
		stores := newMemStores(campaign, groupContacts(2))
		sender := &fakeSender{}
		p := newTestProcessor(t, stores, sender)

		rec := &ackRecorder{}
		p.Handle(rec.delivery(t, 1))

		assert.True(t, rec.acked)
		assert.Zero(t, sender.callCount())
		assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)
	})

	t.Run("malformed body", func(t *testing.T) {
		stores := newMemStores(sendingCampaign(), nil)
		p := newTestProcessor(t, stores, &fakeSender{})

		rec := &ackRecorder{}
		d := broker.NewDelivery([]byte("not json"), "msg-1", false,
			func() error {
				rec.acked = true
				return nil
			},
			func(requeue bool) error {
				rec.nacked = true
				return nil
			})
		p.Handle(d)

		assert.True(t, rec.acked)
	})
}

func TestCampaignProcessor_InactiveCredentialFailsCampaign(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(2))
	stores.credErr = repository.ErrCredentialInactive
	sender := &fakeSender{}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	assert.Zero(t, sender.callCount())
	assert.Equal(t, model.CampaignStatusFailed, stores.campaign.Status)
}

func TestCampaignProcessor_TransientFailureRequeues(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(1))
	stores.campaignErr = errors.New("db down")
	p := newTestProcessor(t, stores, &fakeSender{})

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.nacked)
	assert.True(t, rec.requeued)
}

func TestCampaignProcessor_LockHeldRequeues(t *testing.T) {
	stores := newMemStores(sendingCampaign(), groupContacts(1))
	sender := &fakeSender{}
	p := newTestProcessor(t, stores, sender)

	require.NoError(t, p.lock.Acquire(1))

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.nacked)
	assert.True(t, rec.requeued)
	assert.Zero(t, sender.callCount())
}

func TestCampaignProcessor_EmptyGroupIsSent(t *testing.T) {
	stores := newMemStores(sendingCampaign(), nil)
	sender := &fakeSender{}
	p := newTestProcessor(t, stores, sender)

	rec := &ackRecorder{}
	p.Handle(rec.delivery(t, 1))

	assert.True(t, rec.acked)
	assert.Zero(t, sender.callCount())
	assert.Equal(t, model.CampaignStatusSent, stores.campaign.Status)
}
