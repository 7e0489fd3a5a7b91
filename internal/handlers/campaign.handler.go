package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/pulsemail/campaign-gateway/internal/dispatch"
	"github.com/pulsemail/campaign-gateway/internal/model"
	"github.com/pulsemail/campaign-gateway/internal/services"
	xhttp "github.com/pulsemail/campaign-gateway/pkg/http"
)

type CampaignService interface {
	Create(ctx context.Context, p model.CampaignCreateRequest, sendNow bool) (*model.Campaign, error)
	Get(ctx context.Context, id int64) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error)
	Update(ctx context.Context, id int64, p model.CampaignCreateRequest) (*model.Campaign, error)
	Dispatch(ctx context.Context, id int64, sendNow bool, scheduleAt *time.Time) error
	Delete(ctx context.Context, id int64) error
	Progress(ctx context.Context, id int64) (*model.CampaignProgress, error)
}

type CampaignHandler struct {
	svc CampaignService
}

func RegisterCampaignRoutes(e *router.Group, h *CampaignHandler) {
	e.POST("/campaigns", h.CreateCampaign)
	e.GET("/campaigns", h.ListCampaigns)
	e.GET("/campaigns/{id}", h.GetCampaign)
	e.PUT("/campaigns/{id}", h.UpdateCampaign)
	e.DELETE("/campaigns/{id}", h.DeleteCampaign)
	e.POST("/campaigns/{id}/dispatch", h.DispatchCampaign)
	e.GET("/campaigns/{id}/progress", h.GetCampaignProgress)
}

func NewCampaignHandler(campaignService CampaignService) *CampaignHandler {
	return &CampaignHandler{
		svc: campaignService,
	}
}

type campaignRequest struct {
	Name         string     `json:"name"`
	Subject      string     `json:"subject"`
	SenderName   string     `json:"sender_name"`
	SenderEmail  string     `json:"sender_email"`
	BodyHTML     string     `json:"body_html"`
	GroupID      int64      `json:"group_id"`
	CredentialID int64      `json:"credential_id"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	SendNow      bool       `json:"send_now,omitempty"`
}

func (r campaignRequest) toCreateRequest() model.CampaignCreateRequest {
	return model.CampaignCreateRequest{
		Name:         r.Name,
		Subject:      r.Subject,
		SenderName:   r.SenderName,
		SenderEmail:  r.SenderEmail,
		BodyHTML:     r.BodyHTML,
		GroupID:      r.GroupID,
		CredentialID: r.CredentialID,
		ScheduledAt:  r.ScheduledAt,
	}
}

type dispatchRequest struct {
	SendNow     bool       `json:"send_now,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type listResponse struct {
	Items []*model.Campaign `json:"items"`
	Total int64             `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *CampaignHandler) CreateCampaign(ctx *xhttp.RequestCtx) {
	var req campaignRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	campaign, err := h.svc.Create(ctx, req.toCreateRequest(), req.SendNow)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, campaign)
}

func (h *CampaignHandler) GetCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	campaign, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, campaign)
}

func (h *CampaignHandler) ListCampaigns(ctx *xhttp.RequestCtx) {
	var f model.CampaignFilter

	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.CampaignStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listResponse{Items: items, Total: total})
}

func (h *CampaignHandler) UpdateCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	var req campaignRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	campaign, err := h.svc.Update(ctx, id, req.toCreateRequest())
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, campaign)
}

func (h *CampaignHandler) DispatchCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	var req dispatchRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if err := h.svc.Dispatch(ctx, id, req.SendNow, req.ScheduledAt); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 202, map[string]string{"status": "accepted"})
}

func (h *CampaignHandler) DeleteCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	if err := h.svc.Delete(ctx, id); err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, map[string]string{"status": "deleted"})
}

func (h *CampaignHandler) GetCampaignProgress(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid campaign id")
		return
	}
	progress, err := h.svc.Progress(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, progress)
}

// writeServiceError maps the service sentinels onto HTTP statuses.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, services.ErrCampaignFrozen),
		errors.Is(err, services.ErrCampaignRunning),
		errors.Is(err, dispatch.ErrNotDispatchable):
		writeError(ctx, 409, err.Error())
	case errors.Is(err, services.ErrGroupNotFound),
		errors.Is(err, services.ErrInvalidSender),
		errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrConflictingDispatch),
		errors.Is(err, dispatch.ErrScheduleInPast):
		writeError(ctx, 400, err.Error())
	case errors.Is(err, dispatch.ErrPublishRejected):
		writeError(ctx, 503, err.Error())
	default:
		writeError(ctx, 500, err.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
