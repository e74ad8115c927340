package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Relay envelope scopes and their pub/sub channels. Every gateway instance
// subscribes to all three channels and emits received envelopes to its
// locally hosted rooms only; instances hosting no matching members do a
// cheap no-op.
const (
	ScopeOrganization = "organization"
	ScopePrincipal    = "principal"
	ScopeCampaign     = "campaign"

	ChannelOrganization = "relay:organization"
	ChannelPrincipal    = "relay:principal"
	ChannelCampaign     = "relay:campaign"
)

// Channels lists every relay channel a hub subscribes to.
var Channels = []string{ChannelOrganization, ChannelPrincipal, ChannelCampaign}

// Envelope is the wire unit published on the relay bus.
type Envelope struct {
	Scope    string          `json:"scope"`
	TargetID string          `json:"target_id"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ChannelForScope maps an envelope scope to its pub/sub channel.
func ChannelForScope(scope string) string {
	switch scope {
	case ScopePrincipal:
		return ChannelPrincipal
	case ScopeCampaign:
		return ChannelCampaign
	}
	return ChannelOrganization
}

// RelayBus is the cross-instance publish/subscribe contract. Injected into
// the hub at construction so tests can share one in-memory bus between two
// hub instances without a real store.
type RelayBus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(ctx context.Context, channels ...string) (<-chan Envelope, error)
}

// RedisBus relays envelopes over redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an established redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Envelope, error) {
	sub := b.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}
	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed relay envelope")
					continue
				}
				out <- env
			}
		}
	}()
	return out, nil
}

// MemoryBus is an in-process RelayBus for tests and single-instance runs.
// Multiple hub instances subscribed to the same MemoryBus see each other's
// envelopes exactly as they would through redis.
type MemoryBus struct {
	mu   sync.Mutex
	subs []*memorySub
}

type memorySub struct {
	channels map[string]struct{}
	out      chan Envelope
	done     <-chan struct{}
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, env Envelope) error {
	b.mu.Lock()
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.out <- env:
		case <-sub.done:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (<-chan Envelope, error) {
	sub := &memorySub{
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Envelope, 64),
		done:     ctx.Done(),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()
	return sub.out, nil
}
