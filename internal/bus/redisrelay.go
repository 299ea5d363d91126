package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	redisInboundChannel  = "agentmux:inbound"
	redisResponseChannel = "agentmux:responses"
)

// wireMessage/wireResponse add an Origin tag so a relay instance can ignore
// its own publishes echoed back by Redis.
type wireMessage struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

type wireResponse struct {
	Origin   string   `json:"origin"`
	Response Response `json:"response"`
}

// RedisRelay fans a local Bus's inbound messages and responses out to every
// other agentmux instance sharing the same Redis deployment, and injects
// what it receives back into the local Bus — giving a horizontally scaled
// gateway (multiple processes, each holding a subset of live platform
// connections) a single logical Message Bus.
//
// Optional: a single-instance deployment never constructs one, and
// everything in internal/orchestrator and internal/dispatch works unchanged
// against the plain in-process Bus either way.
type RedisRelay struct {
	rdb        *redis.Client
	bus        *Bus
	instanceID string
}

func NewRedisRelay(rdb *redis.Client, localBus *Bus, instanceID string) *RedisRelay {
	return &RedisRelay{rdb: rdb, bus: localBus, instanceID: instanceID}
}

// Run subscribes to both Redis channels and to the local Bus, forwarding in
// both directions until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) {
	inboundSub := r.rdb.Subscribe(ctx, redisInboundChannel)
	responseSub := r.rdb.Subscribe(ctx, redisResponseChannel)
	defer inboundSub.Close()
	defer responseSub.Close()

	localInbound := r.bus.SubscribeInbound()
	localResponses := r.bus.SubscribeResponses()
	defer localInbound.Close()
	defer localResponses.Close()

	go r.drainRemoteInbound(ctx, inboundSub.Channel())
	go r.drainRemoteResponses(ctx, responseSub.Channel())
	go r.publishLocalInbound(ctx, localInbound)
	r.publishLocalResponses(ctx, localResponses)
}

func (r *RedisRelay) publishLocalInbound(ctx context.Context, sub *InboundSub) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(wireMessage{Origin: r.instanceID, Message: msg})
			if err != nil {
				slog.Error("redis relay: marshal inbound", "err", err)
				continue
			}
			if err := r.rdb.Publish(ctx, redisInboundChannel, payload).Err(); err != nil {
				slog.Error("redis relay: publish inbound", "err", err)
			}
		}
	}
}

func (r *RedisRelay) publishLocalResponses(ctx context.Context, sub *ResponseSub) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(wireResponse{Origin: r.instanceID, Response: resp})
			if err != nil {
				slog.Error("redis relay: marshal response", "err", err)
				continue
			}
			if err := r.rdb.Publish(ctx, redisResponseChannel, payload).Err(); err != nil {
				slog.Error("redis relay: publish response", "err", err)
			}
		}
	}
}

func (r *RedisRelay) drainRemoteInbound(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var wire wireMessage
			if err := json.Unmarshal([]byte(m.Payload), &wire); err != nil {
				slog.Error("redis relay: unmarshal inbound", "err", err)
				continue
			}
			if wire.Origin == r.instanceID {
				continue
			}
			r.bus.PublishInbound(wire.Message)
		}
	}
}

func (r *RedisRelay) drainRemoteResponses(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var wire wireResponse
			if err := json.Unmarshal([]byte(m.Payload), &wire); err != nil {
				slog.Error("redis relay: unmarshal response", "err", err)
				continue
			}
			if wire.Origin == r.instanceID {
				continue
			}
			r.bus.PublishResponse(wire.Response)
		}
	}
}
