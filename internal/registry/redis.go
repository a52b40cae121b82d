package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/redis/go-redis/v9"

	"github.com/go-hydra/gateway/internal/codec"
)

// key prefixes used by RedisClient. The actual discovery registry this
// gateway fronts is out of scope (spec.md §1); this adapter assumes a
// registry that happens to keep its state in Redis with this layout, which
// is enough to exercise every Client method in tests.
const (
	kServices  = "hydra:services"
	kRoutes    = "hydra:routes:"   // + service, LIST of JSON RouteSpec
	kInstances = "hydra:instances:" // + service, LIST of JSON Instance
	kHealth    = "hydra:health:snapshot"
	kPresence  = "hydra:presence:" // + instance id, STRING unix seconds
	kBroadcast = "hydra:broadcast"
	kInboxPfx  = "hydra:inbox:"  // + service[:instance]
	kReplyPfx  = "hydra:reply:"  // + mid
)

// RedisClient is a Client implementation backed by Redis.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient wraps an existing go-redis client.
func NewRedisClient(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

// FetchRoutes implements Client.
func (c *RedisClient) FetchRoutes(ctx context.Context, service string) ([]RouteSpec, error) {
	services := []string{service}
	if service == "" {
		all, err := c.rdb.SMembers(ctx, kServices).Result()
		if err != nil {
			return nil, fmt.Errorf("fetch known services: %w", err)
		}
		services = all
	}

	var res []RouteSpec
	for _, svc := range services {
		raw, err := c.rdb.LRange(ctx, kRoutes+svc, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("fetch routes for %s: %w", svc, err)
		}
		for _, item := range raw {
			var rs RouteSpec
			if jerr := json.Unmarshal([]byte(item), &rs); jerr != nil {
				log.Printf("[WARN] malformed route entry for %s: %v", svc, jerr)
				continue
			}
			res = append(res, rs)
		}
	}
	return res, nil
}

// FetchInstances implements Client.
func (c *RedisClient) FetchInstances(ctx context.Context, service string) ([]Instance, error) {
	raw, err := c.rdb.LRange(ctx, kInstances+service, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch instances for %s: %w", service, err)
	}
	res := make([]Instance, 0, len(raw))
	for _, item := range raw {
		var inst Instance
		if jerr := json.Unmarshal([]byte(item), &inst); jerr != nil {
			log.Printf("[WARN] malformed instance entry for %s: %v", service, jerr)
			continue
		}
		res = append(res, inst)
	}
	return res, nil
}

// FetchHealth implements Client.
func (c *RedisClient) FetchHealth(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.rdb.Get(ctx, kHealth).Bytes()
	if err != nil {
		if err == redis.Nil {
			return json.RawMessage(`{}`), nil
		}
		return nil, fmt.Errorf("fetch health snapshot: %w", err)
	}
	return raw, nil
}

// Publish implements Client.
func (c *RedisClient) Publish(ctx context.Context, msg codec.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast message: %w", err)
	}
	if err := c.rdb.Publish(ctx, kBroadcast, payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast message: %w", err)
	}
	return nil
}

// Subscribe implements Client.
func (c *RedisClient) Subscribe(ctx context.Context) (<-chan codec.Message, error) {
	sub := c.rdb.Subscribe(ctx, kBroadcast)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe to broadcast channel: %w", err)
	}

	out := make(chan codec.Message)
	go func() {
		defer close(out)
		defer func() {
			if cerr := sub.Close(); cerr != nil {
				log.Printf("[WARN] closing broadcast subscription: %v", cerr)
			}
		}()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case rm, ok := <-ch:
				if !ok {
					return
				}
				var m codec.Message
				if err := json.Unmarshal([]byte(rm.Payload), &m); err != nil {
					log.Printf("[WARN] malformed broadcast message: %v", err)
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SendMessage implements Client.
func (c *RedisClient) SendMessage(ctx context.Context, msg codec.Message) error {
	route, err := codec.ParseRoute(msg.To)
	if err != nil {
		return fmt.Errorf("parse destination route: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal directed message: %w", err)
	}
	channel := kInboxPfx + route.Service
	if route.Instance != "" {
		channel = kInboxPfx + route.Service + ":" + route.Instance
	}
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish directed message: %w", err)
	}
	return nil
}

// MakeAPIRequest implements Client. It subscribes to a per-mid reply
// channel before publishing, so a fast upstream reply can never race ahead
// of the subscription.
func (c *RedisClient) MakeAPIRequest(ctx context.Context, msg codec.Message, timeout time.Duration) (codec.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replyChannel := kReplyPfx + msg.MID
	sub := c.rdb.Subscribe(reqCtx, replyChannel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(reqCtx); err != nil {
		return codec.Message{}, fmt.Errorf("subscribe to reply channel: %w", err)
	}

	if err := c.SendMessage(reqCtx, msg); err != nil {
		return codec.Message{}, err
	}

	select {
	case rm, ok := <-sub.Channel():
		if !ok {
			return codec.Message{}, &APIError{Status: 504, Reason: "upstream closed before reply"}
		}
		var reply codec.Message
		if err := json.Unmarshal([]byte(rm.Payload), &reply); err != nil {
			return codec.Message{}, fmt.Errorf("parse reply message: %w", err)
		}
		return reply, nil
	case <-reqCtx.Done():
		return codec.Message{}, &APIError{Status: 504, Reason: "timeout waiting for upstream reply"}
	}
}

// RegisterSelf implements Client.
func (c *RedisClient) RegisterSelf(ctx context.Context, self Instance, routes []RouteSpec) error {
	if err := c.rdb.SAdd(ctx, kServices, self.Service).Err(); err != nil {
		return fmt.Errorf("register service name: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, kRoutes+self.Service)
	for _, r := range routes {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal route spec: %w", err)
		}
		pipe.RPush(ctx, kRoutes+self.Service, raw)
	}

	instRaw, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("marshal self instance: %w", err)
	}
	pipe.RPush(ctx, kInstances+self.Service, instRaw)
	pipe.Set(ctx, kPresence+self.ID, strconv.FormatInt(time.Now().Unix(), 10), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register self: %w", err)
	}
	return nil
}

// ClearStalePresence implements Client.
func (c *RedisClient) ClearStalePresence(ctx context.Context, maxElapsed time.Duration) (int, error) {
	var cursor uint64
	removed := 0
	now := time.Now()
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, kPresence+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan presence keys: %w", err)
		}
		for _, k := range keys {
			raw, err := c.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			sec, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			if now.Sub(time.Unix(sec, 0)) > maxElapsed {
				id := strings.TrimPrefix(k, kPresence)
				if err := c.rdb.Del(ctx, k).Err(); err == nil {
					removed++
					log.Printf("[DEBUG] cleared stale presence for %s", id)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
