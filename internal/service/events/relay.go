package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

// Publisher delivers a job update to the subscriptions of recipient.
type Publisher interface {
	EmitUpdate(recipient string, event models.JobUpdateEvent) int
}

const (
	RelayChannel   = "shadowtwin:events"
	publishTimeout = 5 * time.Second
)

type relayMessage struct {
	Recipient string                `json:"recipient"`
	Event     models.JobUpdateEvent `json:"event"`
}

// RedisRelay carries job updates from processes without subscribers (the
// stall worker) to the HTTP server over Redis pub/sub.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	logger  logger.Logger
}

func NewRedisRelay(rdb *redis.Client, log logger.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, channel: RelayChannel, logger: log.Named("relay")}
}

// EmitUpdate publishes event and returns the number of listening processes.
func (r *RedisRelay) EmitUpdate(recipient string, event models.JobUpdateEvent) int {
	if event.Type == "" {
		event.Type = models.EventTypeJobUpdate
	}
	data, err := json.Marshal(relayMessage{Recipient: normalize(recipient), Event: event})
	if err != nil {
		r.logger.Error("Failed to encode job update", logger.String("jobId", event.JobID), logger.Error(err))
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	n, err := r.rdb.Publish(ctx, r.channel, data).Result()
	if err != nil {
		r.logger.Error("Failed to relay job update", logger.String("jobId", event.JobID), logger.Error(err))
		return 0
	}
	return int(n)
}

// Listener receives relayed updates.
type Listener struct {
	ps     *redis.PubSub
	logger logger.Logger
}

// Listen subscribes to the relay channel. Updates published after Listen
// returns are delivered by Run.
func (r *RedisRelay) Listen(ctx context.Context) (*Listener, error) {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	return &Listener{ps: ps, logger: r.logger}, nil
}

// Run hands each relayed update to deliver until ctx is done.
func (l *Listener) Run(ctx context.Context, deliver func(recipient string, event models.JobUpdateEvent)) error {
	defer l.ps.Close()
	ch := l.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				l.logger.Warn("Ignoring malformed relayed update", logger.Error(err))
				continue
			}
			deliver(m.Recipient, m.Event)
		}
	}
}
