package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/intake"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/sweep"
	"gorm.io/gorm"
)

func registerRoutes(router *gin.Engine, opts Opts) {
	router.GET("/healthz", handleHealth(opts.DB))

	hooks := router.Group("/webhooks", requireToken(opts.WebhookToken))
	hooks.POST("/channel", handleChannel(opts.Intake))
	hooks.POST("/crm", handleCRM(opts.Intake))

	api := router.Group("/api", requireToken(opts.WebhookToken))
	api.POST("/sweeps", handleSweep(opts.Sweeper))
	api.GET("/dialogs/:key", handleDialog(opts.Store))
	api.GET("/events", handleEvents(opts.Events))
}

// requireToken accepts the token as a bearer token or X-Webhook-Token.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Webhook-Token")
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type channelPayload struct {
	InstanceID  string    `json:"instance_id" binding:"required"`
	ContactID   string    `json:"contact_id" binding:"required"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email" binding:"omitempty,email"`
	DirectionID uint      `json:"direction_id"`
	IsAdClick   bool      `json:"is_ad_click"`
	AdSourceID  string    `json:"ad_source_id"`
	Role        string    `json:"role" binding:"omitempty,oneof=user agent"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

func handleChannel(svc *intake.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p channelPayload
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out, err := svc.HandleChannel(c.Request.Context(), intake.ChannelEvent{
			InstanceID:  p.InstanceID,
			ContactID:   p.ContactID,
			Phone:       p.Phone,
			Email:       p.Email,
			DirectionID: p.DirectionID,
			IsAdClick:   p.IsAdClick,
			AdSourceID:  p.AdSourceID,
			Role:        p.Role,
			Text:        p.Text,
			Timestamp:   p.Timestamp,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

type crmContact struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
	Email string `json:"email" binding:"omitempty,email"`
}

type crmPayload struct {
	CRMKind       string              `json:"crm_kind" binding:"required"`
	EntityType    string              `json:"entity_type" binding:"required,oneof=lead contact deal"`
	EntityID      string              `json:"entity_id" binding:"required"`
	DirectionID   uint                `json:"direction_id"`
	ChangedFields []string            `json:"changed_fields"`
	Fields        map[string][]string `json:"fields"`
	PipelineID    string              `json:"pipeline_id"`
	StageID       string              `json:"stage_id"`
	Contact       crmContact          `json:"contact"`
	LeadID        string              `json:"lead_id"`
	DealID        string              `json:"deal_id"`
}

func handleCRM(svc *intake.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p crmPayload
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out, err := svc.HandleCRM(c.Request.Context(), intake.CRMEvent{
			CRMKind:       p.CRMKind,
			EntityType:    p.EntityType,
			EntityID:      p.EntityID,
			DirectionID:   p.DirectionID,
			ChangedFields: p.ChangedFields,
			Fields:        p.Fields,
			PipelineID:    p.PipelineID,
			StageID:       p.StageID,
			Phone:         p.Contact.Phone,
			Email:         p.Contact.Email,
			LeadID:        p.LeadID,
			ContactID:     p.Contact.ID,
			DealID:        p.DealID,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleSweep(sw SweepRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sw == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batch analyzer is not configured"})
			return
		}
		sum, err := sw.Run(c.Request.Context(), sweep.TriggerManual)
		switch {
		case errors.Is(err, sweep.ErrSweepRunning):
			c.JSON(http.StatusOK, gin.H{"status": "skipped"})
		case err != nil && sum == nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, sum)
		default:
			c.JSON(http.StatusOK, sum)
		}
	}
}

type levelView struct {
	Sent    bool       `json:"sent"`
	SentAt  *time.Time `json:"sent_at,omitempty"`
	EventID string     `json:"event_id,omitempty"`
}

type dialogView struct {
	Key              string      `json:"key"`
	DirectionID      *uint       `json:"direction_id"`
	AdSourceID       string      `json:"ad_source_id,omitempty"`
	AdAttributedAt   *time.Time  `json:"ad_attributed_at,omitempty"`
	AdMessageCount   int         `json:"ad_message_count"`
	Epoch            int         `json:"epoch"`
	Levels           []levelView `json:"levels"`
	LastActivityAt   time.Time   `json:"last_activity_at"`
	Ineligible       bool        `json:"ineligible"`
	IneligibleReason string      `json:"ineligible_reason,omitempty"`
}

func newDialogView(d *models.Dialog) dialogView {
	return dialogView{
		Key:            d.ConversationKey,
		DirectionID:    d.DirectionID,
		AdSourceID:     d.AdSourceID,
		AdAttributedAt: d.AdAttributedAt,
		AdMessageCount: d.AdMessageCount,
		Epoch:          d.Epoch,
		Levels: []levelView{
			{Sent: d.Level1Sent, SentAt: d.Level1SentAt, EventID: d.Level1EventID},
			{Sent: d.Level2Sent, SentAt: d.Level2SentAt, EventID: d.Level2EventID},
			{Sent: d.Level3Sent, SentAt: d.Level3SentAt, EventID: d.Level3EventID},
		},
		LastActivityAt:   d.LastActivityAt,
		Ineligible:       d.Ineligible,
		IneligibleReason: d.IneligibleReason,
	}
}

func handleDialog(store *dialog.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := store.Get(c.Request.Context(), c.Param("key"))
		if errors.Is(err, dialog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dialog not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, newDialogView(d))
	}
}

type eventView struct {
	Key        string    `json:"key"`
	Level      int       `json:"level"`
	EventID    string    `json:"event_id"`
	EventName  string    `json:"event_name"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	Epoch      int       `json:"epoch"`
	Response   string    `json:"response,omitempty"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func handleEvents(events *dispatch.EventLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		var level funnel.Level
		if raw := c.Query("level"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err == nil {
				level, err = funnel.ParseLevel(n)
			}
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "level must be 1, 2 or 3"})
				return
			}
		}
		rows, err := events.List(c.Request.Context(), dispatch.ListOpts{
			ConversationKey: c.Query("key"),
			Status:          c.Query("status"),
			Level:           level,
			Limit:           limit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]eventView, 0, len(rows))
		for _, r := range rows {
			out = append(out, eventView{
				Key:        r.ConversationKey,
				Level:      r.Level,
				EventID:    r.EventID,
				EventName:  r.EventName,
				Status:     r.Status,
				Source:     r.Source,
				Epoch:      r.Epoch,
				Response:   r.Response,
				RetryCount: r.RetryCount,
				CreatedAt:  r.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
