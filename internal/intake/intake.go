// Package intake runs the inline signal path for webhook events: it updates
// dialog state, picks the classifier for the direction's source and hands
// the resulting signals to the dispatcher.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/classify"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/direction"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
	"go.uber.org/zap"
)

// ChannelEvent is one message on a messaging channel.
type ChannelEvent struct {
	InstanceID  string
	ContactID   string
	Phone       string
	Email       string
	DirectionID uint
	IsAdClick   bool
	AdSourceID  string
	Role        string // "user" (default) or "agent"
	Text        string
	Timestamp   time.Time
}

// CRMEvent is a change notification for one CRM entity. Fields carries the
// entity's current values, not only the changed ones.
type CRMEvent struct {
	CRMKind       string
	EntityType    string
	EntityID      string
	DirectionID   uint
	ChangedFields []string
	Fields        map[string][]string
	PipelineID    string
	StageID       string
	Phone         string
	Email         string
	LeadID        string
	ContactID     string
	DealID        string
}

// Outcome reports what an event led to.
type Outcome struct {
	Key     string            `json:"key"`
	Skipped string            `json:"skipped,omitempty"`
	Results []dispatch.Result `json:"results,omitempty"`
}

// Opts configures a Service.
type Opts struct {
	Store      *dialog.Store
	Resolver   *direction.Resolver
	Counter    classify.LevelClassifier
	CRM        classify.LevelClassifier
	Dispatcher *dispatch.Dispatcher
	Logger     *zap.SugaredLogger
}

// Service handles webhook events synchronously.
type Service struct {
	store      *dialog.Store
	resolver   *direction.Resolver
	counter    classify.LevelClassifier
	crm        classify.LevelClassifier
	dispatcher *dispatch.Dispatcher
	log        *zap.SugaredLogger
}

// New returns a Service.
func New(opts Opts) (*Service, error) {
	if opts.Store == nil || opts.Resolver == nil || opts.Dispatcher == nil {
		return nil, fmt.Errorf("intake: store, resolver and dispatcher are required")
	}
	if opts.Counter == nil || opts.CRM == nil {
		return nil, fmt.Errorf("intake: counter and crm classifiers are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Service{
		store:      opts.Store,
		resolver:   opts.Resolver,
		counter:    opts.Counter,
		crm:        opts.CRM,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger,
	}, nil
}

// HandleChannel records the message and, for inbound messages, runs the
// level-1 counter. An ad click is applied to the dialog before its direction
// is resolved, so attribution survives a missing or disabled direction.
func (s *Service) HandleChannel(ctx context.Context, ev ChannelEvent) (*Outcome, error) {
	if ev.InstanceID == "" || ev.ContactID == "" {
		return nil, fmt.Errorf("intake: instance_id and contact_id are required")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Role == "" {
		ev.Role = "user"
	}

	key := dialog.ChannelKey(ev.InstanceID, ev.ContactID)
	d, err := s.store.GetOrCreate(ctx, key, dialog.Identity{
		InstanceID: ev.InstanceID,
		ContactID:  ev.ContactID,
		Phone:      ev.Phone,
		Email:      ev.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("intake: %w", err)
	}
	if strings.TrimSpace(ev.Text) != "" {
		if err := s.store.AppendMessage(ctx, d.ID, ev.Role, ev.Text, ev.Timestamp); err != nil {
			return nil, fmt.Errorf("intake: %w", err)
		}
	}
	out := &Outcome{Key: key}

	// Outbound messages feed the transcript only.
	if ev.Role != "user" {
		if err := s.store.Touch(ctx, key, ev.Timestamp); err != nil {
			return nil, fmt.Errorf("intake: %w", err)
		}
		return out, nil
	}

	if ev.IsAdClick {
		if err := s.store.ApplyAdClick(ctx, key, ev.AdSourceID, ev.Timestamp); err != nil {
			return nil, fmt.Errorf("intake: %w", err)
		}
		if d, err = s.store.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("intake: %w", err)
		}
	}

	settings, d, err := s.resolve(ctx, d, ev.DirectionID, funnel.SourceChannel)
	if err != nil {
		return s.skip(out, err)
	}

	sigs, err := s.counter.Classify(ctx, classify.Input{
		Dialog:   d,
		Settings: settings,
		Message:  &classify.ChannelMessage{At: ev.Timestamp},
	})
	if err != nil {
		return nil, fmt.Errorf("intake: %w", err)
	}
	out.Results = s.dispatcher.DispatchAll(ctx, sigs)
	return out, nil
}

// HandleCRM evaluates the direction's triggers against the entity's current
// state.
func (s *Service) HandleCRM(ctx context.Context, ev CRMEvent) (*Outcome, error) {
	if ev.CRMKind == "" || ev.EntityType == "" || ev.EntityID == "" {
		return nil, fmt.Errorf("intake: crm_kind, entity_type and entity_id are required")
	}

	key := dialog.CRMKey(ev.CRMKind, ev.EntityType, ev.EntityID)
	d, err := s.store.GetOrCreate(ctx, key, dialog.Identity{Phone: ev.Phone, Email: ev.Email})
	if err != nil {
		return nil, fmt.Errorf("intake: %w", err)
	}
	if err := s.store.LinkCRM(ctx, key, crmLink(ev)); err != nil {
		return nil, fmt.Errorf("intake: %w", err)
	}
	if err := s.store.Touch(ctx, key, time.Now()); err != nil {
		return nil, fmt.Errorf("intake: %w", err)
	}
	out := &Outcome{Key: key}

	settings, d, err := s.resolve(ctx, d, ev.DirectionID, funnel.SourceCRM)
	if err != nil {
		return s.skip(out, err)
	}
	if settings.CRMKind != "" && !strings.EqualFold(settings.CRMKind, ev.CRMKind) {
		return s.skip(out, &funnel.ConfigurationError{
			DirectionID: settings.ID,
			Reason:      funnel.ReasonSourceMismatch,
			Detail:      fmt.Sprintf("direction crm kind is %s, event is from %s", settings.CRMKind, ev.CRMKind),
		})
	}

	s.log.Debugw("crm event", "key", key, "changed_fields", ev.ChangedFields, "stage_id", ev.StageID)
	sigs, err := s.crm.Classify(ctx, classify.Input{
		Dialog:   d,
		Settings: settings,
		Snapshot: &direction.Snapshot{
			EntityType: ev.EntityType,
			Fields:     ev.Fields,
			PipelineID: ev.PipelineID,
			StageID:    ev.StageID,
		},
	})
	if err != nil {
		return s.skip(out, err)
	}
	out.Results = s.dispatcher.DispatchAll(ctx, sigs)
	return out, nil
}

// resolve links the dialog to directionID when given and resolves the
// dialog's direction for source. The returned dialog reflects the link.
func (s *Service) resolve(ctx context.Context, d *models.Dialog, directionID uint, source funnel.Source) (*direction.Settings, *models.Dialog, error) {
	if directionID != 0 && (d.DirectionID == nil || *d.DirectionID != directionID) {
		if err := s.store.LinkDirection(ctx, d.ConversationKey, directionID); err != nil {
			return nil, d, err
		}
		d.DirectionID = &directionID
	}
	if d.DirectionID == nil {
		return nil, d, &funnel.ConfigurationError{Reason: funnel.ReasonDirectionMissing}
	}
	settings, err := s.resolver.ResolveFor(ctx, *d.DirectionID, source)
	return settings, d, err
}

// skip turns configuration errors into a skipped outcome. Other errors are
// returned.
func (s *Service) skip(out *Outcome, err error) (*Outcome, error) {
	var ce *funnel.ConfigurationError
	if !errors.As(err, &ce) {
		return nil, fmt.Errorf("intake: %w", err)
	}
	s.log.Warnw("event skipped", "key", out.Key, "direction_id", ce.DirectionID, "reason", ce.Reason, "detail", ce.Detail)
	out.Skipped = ce.Reason
	return out, nil
}

func crmLink(ev CRMEvent) dialog.CRMLink {
	link := dialog.CRMLink{LeadID: ev.LeadID, ContactID: ev.ContactID, DealID: ev.DealID}
	switch strings.ToLower(ev.EntityType) {
	case "lead":
		if link.LeadID == "" {
			link.LeadID = ev.EntityID
		}
	case "contact":
		if link.ContactID == "" {
			link.ContactID = ev.EntityID
		}
	case "deal":
		if link.DealID == "" {
			link.DealID = ev.EntityID
		}
	}
	return link
}
