package cachemanager

import (
	"context"
	"time"

	"encore.dev/pubsub"

	"github.com/meridian-cache/meridian/invalidation"
)

// CacheRefreshTopic broadcasts proactive refresh commands (e.g. from the DLQ
// reprocessing scheduler's warm-adjacent duties) to every cache-manager
// instance.
var CacheRefreshTopic = pubsub.NewTopic[*RefreshEvent](
	"cache-refresh",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// RefreshEvent represents a cache refresh command broadcast to all instances.
type RefreshEvent struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	TTL       int       `json:"ttl"`
	Timestamp time.Time `json:"timestamp"`
	Priority  string    `json:"priority"`
}

// Subscribe to cache invalidation events from other instances, so
// clear_namespace (or exact-key invalidation) performed on one instance
// propagates to every instance's backend.
var _ = pubsub.NewSubscription(
	invalidation.CacheInvalidateTopic,
	"cache-manager-invalidate",
	pubsub.SubscriptionConfig[*invalidation.InvalidationEvent]{
		Handler: HandleInvalidateEvent,
	},
)

// HandleInvalidateEvent processes invalidation events from other cache
// instances. Exact keys are preferred; the pattern is used as a fallback
// when no exact keys were supplied (broadcast-a-pattern mode).
func HandleInvalidateEvent(ctx context.Context, event *invalidation.InvalidationEvent) error {
	if svc == nil {
		return nil
	}

	for _, key := range event.MatchedKeys {
		if _, err := svc.backend.Delete(ctx, key); err == nil {
			svc.metrics.Deletes.Add(1)
		}
	}

	if event.Pattern != "" && len(event.MatchedKeys) == 0 {
		keys, err := svc.backend.Keys(ctx, event.Pattern)
		if err == nil {
			for _, key := range keys {
				if ok, _ := svc.backend.Delete(ctx, key); ok {
					svc.metrics.Deletes.Add(1)
				}
			}
		}
	}

	return nil
}

// Subscribe to cache refresh events from the DLQ reprocessing scheduler.
var _ = pubsub.NewSubscription(
	CacheRefreshTopic,
	"cache-manager-refresh",
	pubsub.SubscriptionConfig[*RefreshEvent]{
		Handler: HandleRefreshEvent,
	},
)

// HandleRefreshEvent processes cache refresh events, proactively populating
// the active backend with fresh data.
func HandleRefreshEvent(ctx context.Context, event *RefreshEvent) error {
	if svc == nil {
		return nil
	}

	ttl := time.Duration(event.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTLFor(svc.config.PolicyLevel, svc.config.DefaultTTL)
	}

	if ok, _ := svc.backend.Set(ctx, event.Key, event.Value, ttl); ok {
		svc.metrics.Sets.Add(1)
	}

	return nil
}

// PublishInvalidation publishes an invalidation event to all instances.
// Called internally after local invalidation to coordinate with other nodes.
// No audit row is written for it: the invalidation service does not
// subscribe to this topic.
func (s *Service) PublishInvalidation(ctx context.Context, keys []string, pattern, requestID string) error {
	event := &invalidation.InvalidationEvent{
		Pattern:     pattern,
		MatchedKeys: keys,
		TriggeredBy: "cache_manager",
		Timestamp:   time.Now(),
		RequestID:   requestID,
	}
	_, err := invalidation.CacheInvalidateTopic.Publish(ctx, event)
	return err
}

// PublishRefresh publishes a refresh event to all instances.
func (s *Service) PublishRefresh(ctx context.Context, key string, value []byte, ttl int) error {
	event := &RefreshEvent{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		Timestamp: time.Now(),
		Priority:  "normal",
	}
	_, err := CacheRefreshTopic.Publish(ctx, event)
	return err
}

// ClearNamespaceAndBroadcast clears a namespace locally and publishes the
// invalidation so other instances' backends stay consistent. It writes no
// audit record, and an error from the publish is discarded.
func (s *Service) ClearNamespaceAndBroadcast(ctx context.Context, ns, requestID string) (int, error) {
	count, err := s.ClearNamespace(ctx, ns)
	if err != nil {
		return count, err
	}
	if count > 0 {
		_ = s.PublishInvalidation(ctx, nil, ns+"*", requestID)
	}
	return count, nil
}
