package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/signalbox/internal/models"
)

// ReferralLookup reads click-to-message referral data that the messaging
// gateway stores in redis as "<prefix><conversation key>" = ad source id.
type ReferralLookup struct {
	client *redis.Client
	prefix string
}

// NewReferralLookup connects to the redis at url.
func NewReferralLookup(url, prefix string) (*ReferralLookup, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("classify: parse referral redis url: %w", err)
	}
	return &ReferralLookup{client: redis.NewClient(opt), prefix: prefix}, nil
}

// AdSource implements AdOriginLookup.
func (l *ReferralLookup) AdSource(ctx context.Context, d *models.Dialog) (string, bool, error) {
	source, err := l.client.Get(ctx, l.prefix+d.ConversationKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return source, true, nil
}

// Close closes the redis client.
func (l *ReferralLookup) Close() error {
	return l.client.Close()
}
