package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/broker"
	"github.com/pulsemail/campaign-gateway/internal/dispatch"
	gateway "github.com/pulsemail/campaign-gateway/internal/gateways"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/processor"
	"github.com/pulsemail/campaign-gateway/internal/repository"
	"github.com/pulsemail/campaign-gateway/internal/scheduler"
	"github.com/pulsemail/campaign-gateway/internal/services"
	"github.com/pulsemail/campaign-gateway/pkg/worker"
	"github.com/pulsemail/campaign-gateway/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBroker routes published messages to registered consumers
// on demand, so tests can pump the pipeline deterministically.
type memoryBroker struct {
	mu       sync.Mutex
	handlers map[string]broker.Handler
	pending  map[string][][]byte
	seq      int
}

func newMemoryBroker() *memoryBroker {
	return &memoryBroker{
		handlers: make(map[string]broker.Handler),
		pending:  make(map[string][][]byte),
	}
}

func (b *memoryBroker) Publish(ctx context.Context, queue string, payload any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	b.pending[queue] = append(b.pending[queue], body)
	b.mu.Unlock()
	return true, nil
}

func (b *memoryBroker) Consume(queue string, handler broker.Handler) error {
	b.mu.Lock()
	b.handlers[queue] = handler
	b.mu.Unlock()
	return nil
}

func (b *memoryBroker) Close() error { return nil }

func (b *memoryBroker) take() (string, []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for queue, msgs := range b.pending {
		if len(msgs) == 0 || b.handlers[queue] == nil {
			continue
		}
		body := msgs[0]
		b.pending[queue] = msgs[1:]
		return queue, body, true
	}
	return "", nil, false
}

// drain delivers pending messages, including ones published while
// handling, until every queue is empty. Nacked messages requeue, so
// the iteration cap catches handlers stuck in a requeue loop.
func (b *memoryBroker) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		queue, body, ok := b.take()
		if !ok {
			return
		}
		b.mu.Lock()
		b.seq++
		id := fmt.Sprintf("mem-%d", b.seq)
		handler := b.handlers[queue]
		b.mu.Unlock()

		d := broker.NewDelivery(body, id, false,
			func() error { return nil },
			func(requeue bool) error {
				if requeue {
					b.mu.Lock()
					b.pending[queue] = append(b.pending[queue], body)
					b.mu.Unlock()
				}
				return nil
			})
		handler(d)
	}
	t.Fatal("broker did not drain, handler keeps requeueing")
}

// fakeProvider is an in-process stand-in for the email API.
type fakeProvider struct {
	mu       sync.Mutex
	apiKey   string
	seq      int
	sent     []gateway.SendEmailRequest
	rejectTo map[string]int // email -> http status to reject with
}

func (p *fakeProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+p.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"})
			return
		}

		var req gateway.SendEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if status, ok := p.rejectTo[req.To]; ok {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "recipient rejected"})
			return
		}

		p.seq++
		p.sent = append(p.sent, req)
		json.NewEncoder(w).Encode(map[string]any{
			"message_id":  fmt.Sprintf("prov-%d", p.seq),
			"accepted_at": time.Now().UTC(),
		})
	}
}

func (p *fakeProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type TestEnvironment struct {
	Broker          *memoryBroker
	Provider        *fakeProvider
	CampaignRepo    *repository.CampaignRepository
	DeliveryRepo    *repository.DeliveryRepository
	ContactRepo     *repository.ContactRepository
	CampaignService *services.CampaignService
	WebhookService  *services.WebhookService
	Processor       *processor.CampaignProcessor
	GroupID         int64
	CredentialID    int64
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db := helpers.SetupTestDB(t)
	_, redisAdapter := helpers.SetupTestRedis(t)

	group := helpers.CreateTestGroup(t, db, "subscribers")
	cred := helpers.CreateTestCredential(t, db, 1, true)
	helpers.CreateTestContacts(t, db, group.ID, 5)

	provider := &fakeProvider{apiKey: cred.APIKey}
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	client, err := gateway.NewEmailClient(&gateway.Config{
		URL:        srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 1,
	})
	require.NoError(t, err)

	mq := newMemoryBroker()

	campaignRepo := repository.NewCampaignRepository(db)
	deliveryRepo := repository.NewDeliveryRepository(db)
	contactRepo := repository.NewContactRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)

	lock := processor.NewCampaignLock(redisAdapter, time.Minute)
	pool := worker.NewPool(4, 16)
	pool.Start()
	t.Cleanup(pool.Stop)

	proc := processor.NewCampaignProcessor(
		campaignRepo, deliveryRepo, contactRepo, credentialRepo,
		client, lock, pool,
	)
	require.NoError(t, mq.Consume(model.QueueSend, proc.Handle))

	producer := dispatch.NewProducer(campaignRepo, mq)
	campaignService := services.NewCampaignService(campaignRepo, deliveryRepo, contactRepo, producer)
	webhookService := services.NewWebhookService(deliveryRepo)

	return &TestEnvironment{
		Broker:          mq,
		Provider:        provider,
		CampaignRepo:    campaignRepo,
		DeliveryRepo:    deliveryRepo,
		ContactRepo:     contactRepo,
		CampaignService: campaignService,
		WebhookService:  webhookService,
		Processor:       proc,
		GroupID:         group.ID,
		CredentialID:    cred.ID,
	}
}

func createRequest(env *TestEnvironment) model.CampaignCreateRequest {
	return model.CampaignCreateRequest{
		Name:         "October Newsletter",
		Subject:      "Hello {{first_name}}",
		SenderName:   "Acme",
		SenderEmail:  "news@acme.test",
		BodyHTML:     "<p>Hi {{first_name}}</p>",
		GroupID:      env.GroupID,
		CredentialID: env.CredentialID,
	}
}

func TestSendNowFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	ctx := context.Background()

	campaign, err := env.CampaignService.Create(ctx, createRequest(env), true)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, campaign.Status)

	env.Broker.drain(t)

	assert.Equal(t, 5, env.Provider.sentCount())

	final, err := env.CampaignService.Get(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSent, final.Status)

	progress, err := env.CampaignService.Progress(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Progress)
	assert.Equal(t, int64(5), progress.TotalCount)
	assert.Equal(t, int64(5), progress.StatusCounts["sent"])

	// Personalization happened before the provider saw the message.
	for _, sent := range env.Provider.sent {
		assert.NotContains(t, sent.Subject, "{{")
		assert.NotContains(t, sent.BodyHTML, "{{")
	}
}

func TestScheduledFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	ctx := context.Background()

	// A schedule a few milliseconds out lets the scheduler release it
	// almost immediately without a manual clock.
	at := time.Now().Add(50 * time.Millisecond)
	req := createRequest(env)
	req.ScheduledAt = &at

	campaign, err := env.CampaignService.Create(ctx, req, false)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusScheduled, campaign.Status)

	sched := scheduler.New(env.Broker, env.CampaignRepo)
	require.NoError(t, sched.Run())
	defer sched.Stop()

	time.Sleep(60 * time.Millisecond)
	env.Broker.drain(t)

	final, err := env.CampaignService.Get(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSent, final.Status)
	assert.Equal(t, 5, env.Provider.sentCount())
}

func TestWebhookProgressFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	ctx := context.Background()

	campaign, err := env.CampaignService.Create(ctx, createRequest(env), true)
	require.NoError(t, err)
	env.Broker.drain(t)

	// Play back provider events for two of the sent messages.
	require.NoError(t, env.WebhookService.Apply(ctx, model.WebhookPayload{
		Event: model.EventDelivered, MessageID: "prov-1",
	}))
	require.NoError(t, env.WebhookService.Apply(ctx, model.WebhookPayload{
		Event: model.EventOpened, MessageID: "prov-1",
	}))
	require.NoError(t, env.WebhookService.Apply(ctx, model.WebhookPayload{
		Event: model.EventBounced, MessageID: "prov-2", Reason: "mailbox full",
	}))

	progress, err := env.CampaignService.Progress(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Progress)
	assert.Equal(t, int64(1), progress.StatusCounts["opened"])
	assert.Equal(t, int64(1), progress.StatusCounts["bounced"])
	assert.Equal(t, int64(3), progress.StatusCounts["sent"])

	rec, err := env.DeliveryRepo.GetByProviderMessageID(ctx, "prov-2")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusBounced, rec.Status)
	assert.Equal(t, "mailbox full", rec.ErrorMessage)
}

func TestPartialRejectionStillCompletes(t *testing.T) {
	env := setupE2EEnvironment(t)
	env.Provider.rejectTo = map[string]int{
		"contact2@example.test": http.StatusUnprocessableEntity,
	}
	ctx := context.Background()

	campaign, err := env.CampaignService.Create(ctx, createRequest(env), true)
	require.NoError(t, err)
	env.Broker.drain(t)

	final, err := env.CampaignService.Get(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSent, final.Status)

	progress, err := env.CampaignService.Progress(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), progress.StatusCounts["sent"])
	assert.Equal(t, int64(1), progress.StatusCounts["failed"])
	assert.Equal(t, 100, progress.Progress)
}

func TestBadCredentialFailsCampaign(t *testing.T) {
	env := setupE2EEnvironment(t)
	env.Provider.apiKey = "rotated-away"
	ctx := context.Background()

	campaign, err := env.CampaignService.Create(ctx, createRequest(env), true)
	require.NoError(t, err)
	env.Broker.drain(t)

	final, err := env.CampaignService.Get(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusFailed, final.Status)
	assert.Equal(t, 0, env.Provider.sentCount())
}
