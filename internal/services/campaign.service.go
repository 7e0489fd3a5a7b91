package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/repository"
)

var (
	ErrNotFound        = errors.New("campaign not found")
	ErrGroupNotFound   = errors.New("contact group not found")
	ErrCampaignFrozen  = errors.New("campaign has left draft and can no longer be modified")
	ErrCampaignRunning = errors.New("campaign is sending or finished and cannot be deleted")
	ErrInvalidSender   = errors.New("sender email address is invalid")
	ErrInvalidRequest  = errors.New("invalid campaign request")
)

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error) // results, totalCount
	Update(ctx context.Context, c *model.Campaign) error
	Delete(ctx context.Context, id int64) error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type DeliveryRepository interface {
	CountByStatus(ctx context.Context, campaignID int64) (model.DeliveryCounts, error)
	DeleteByCampaign(ctx context.Context, campaignID int64) error
}

type ContactRepository interface {
	GetGroup(ctx context.Context, groupID int64) (*model.ContactGroup, error)
}

// Dispatcher publishes a campaign transition out of draft.
type Dispatcher interface {
	Dispatch(ctx context.Context, campaignID int64, sendNow bool, scheduleAt *time.Time) error
}

type CampaignService struct {
	campaignRepo CampaignRepository
	deliveryRepo DeliveryRepository
	contactRepo  ContactRepository
	dispatcher   Dispatcher
}

func NewCampaignService(
	campaignRepo CampaignRepository,
	deliveryRepo DeliveryRepository,
	contactRepo ContactRepository,
	dispatcher Dispatcher,
) *CampaignService {
	return &CampaignService{
		campaignRepo: campaignRepo,
		deliveryRepo: deliveryRepo,
		contactRepo:  contactRepo,
		dispatcher:   dispatcher,
	}
}

// Create stores a new draft campaign and, when sendNow or a schedule is
// supplied, immediately dispatches it. With neither, the campaign stays
// draft until an explicit Dispatch call.
func (s *CampaignService) Create(ctx context.Context, p model.CampaignCreateRequest, sendNow bool) (*model.Campaign, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if _, err := mail.ParseAddress(p.SenderEmail); err != nil {
		return nil, ErrInvalidSender
	}

	if _, err := s.contactRepo.GetGroup(ctx, p.GroupID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("load contact group: %w", err)
	}

	c := &model.Campaign{
		Name:         p.Name,
		Subject:      p.Subject,
		SenderName:   p.SenderName,
		SenderEmail:  p.SenderEmail,
		BodyHTML:     p.BodyHTML,
		GroupID:      p.GroupID,
		CredentialID: p.CredentialID,
		Status:       model.CampaignStatusDraft,
		ScheduledAt:  p.ScheduledAt,
	}

	created, err := s.campaignRepo.Create(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	if sendNow || p.ScheduledAt != nil {
		if err := s.dispatcher.Dispatch(ctx, created.ID, sendNow, p.ScheduledAt); err != nil {
			return nil, err
		}
		// Reload so the response reflects the post-dispatch status.
		return s.Get(ctx, created.ID)
	}

	return created, nil
}

func (s *CampaignService) Get(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error) {
	return s.campaignRepo.List(ctx, f)
}

// Update edits campaign attributes. Only draft campaigns may change.
func (s *CampaignService) Update(ctx context.Context, id int64, p model.CampaignCreateRequest) (*model.Campaign, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !existing.CanMutate() {
		return nil, ErrCampaignFrozen
	}

	if _, err := s.contactRepo.GetGroup(ctx, p.GroupID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("load contact group: %w", err)
	}

	existing.Name = p.Name
	existing.Subject = p.Subject
	existing.SenderName = p.SenderName
	existing.SenderEmail = p.SenderEmail
	existing.BodyHTML = p.BodyHTML
	existing.GroupID = p.GroupID
	existing.CredentialID = p.CredentialID
	existing.ScheduledAt = p.ScheduledAt

	if err := s.campaignRepo.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Dispatch sends or schedules an existing draft campaign.
func (s *CampaignService) Dispatch(ctx context.Context, id int64, sendNow bool, scheduleAt *time.Time) error {
	return s.dispatcher.Dispatch(ctx, id, sendNow, scheduleAt)
}

// Delete removes a campaign and its delivery records in one
// transaction. Campaigns that are sending or finished are kept for the
// audit trail.
func (s *CampaignService) Delete(ctx context.Context, id int64) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !existing.CanDelete() {
		return ErrCampaignRunning
	}

	return s.campaignRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.deliveryRepo.DeleteByCampaign(ctx, id); err != nil {
			return fmt.Errorf("delete delivery records: %w", err)
		}
		if err := s.campaignRepo.Delete(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
}

// Progress summarizes delivery record counts for UI polling.
func (s *CampaignService) Progress(ctx context.Context, id int64) (*model.CampaignProgress, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	counts, err := s.deliveryRepo.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("count delivery records: %w", err)
	}

	progress := model.NewCampaignProgress(counts)
	return &progress, nil
}
