package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/webitel/im-realtime-service/internal/adapter/pubsub"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// GroupStore is the part of the stream store the subscription lifecycle needs.
type GroupStore interface {
	EnsureGroup(ctx context.Context, key, group string) (bool, error)
	DestroyGroup(ctx context.Context, key, group string) error
	GroupCount(ctx context.Context, key string) (int, error)
	Trim(ctx context.Context, key string, maxLen int64) (int64, error)
	Delete(ctx context.Context, keys ...string) error
}

// SubscriptionSet is the per-connection registry of stream keys.
type SubscriptionSet interface {
	Add(key string) bool
	Remove(key string) bool
	Contains(key string) bool
	Snapshot() []string
}

// [SUBSCRIPTION_SERVICE] PRIMARY INTERFACE FOR BUSINESS HANDLERS
type Subscriptions interface {
	Subscribe(ctx context.Context, subs SubscriptionSet, key, groupID string, user model.Identity) error
	Unsubscribe(ctx context.Context, subs SubscriptionSet, key, groupID string, user model.Identity) error
	Resubscribe(ctx context.Context, subs SubscriptionSet, key, groupID string) error
}

// MirrorError reports that the primary effect of a subscribe or unsubscribe
// was applied but the control signal for sibling sessions was not published.
type MirrorError struct {
	Event     model.Event
	StreamKey string
	Err       error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("mirror %s for %s: %v", e.Event, e.StreamKey, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }

// IsMirrorError reports whether err only failed the advisory mirror step.
func IsMirrorError(err error) bool {
	var me *MirrorError
	return errors.As(err, &me)
}

type Subscriber struct {
	store     GroupStore
	publisher pubsub.Publisher
	logger    *slog.Logger
}

var _ Subscriptions = (*Subscriber)(nil)

func NewSubscriber(store GroupStore, publisher pubsub.Publisher, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Subscribe makes key visible to the group and records it in subs.
// Subscribing twice is not an error and leaves subs unchanged.
func (s *Subscriber) Subscribe(ctx context.Context, subs SubscriptionSet, key, groupID string, user model.Identity) error {
	created, err := s.store.EnsureGroup(ctx, key, groupID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}

	if !created {
		s.logger.Debug("SUBSCRIPTION_ALREADY_EXISTS",
			"stream", key,
			"group", groupID,
			"user_id", user.ID,
		)
	} else {
		subs.Add(key)
	}

	return s.mirror(ctx, model.EventNewSubscription, key, user)
}

// Unsubscribe removes key from subs first so the consumer stops reading it,
// then tears the group down and reclaims the stream once nobody reads it.
func (s *Subscriber) Unsubscribe(ctx context.Context, subs SubscriptionSet, key, groupID string, user model.Identity) error {
	subs.Remove(key)

	// [NON_ATOMIC] The mirror failure is kept but cleanup still runs.
	mirrorErr := s.mirror(ctx, model.EventRemovedSubscription, key, user)

	if err := s.release(ctx, key, groupID); err != nil {
		return errors.Join(mirrorErr, fmt.Errorf("unsubscribe: %w", err))
	}
	return mirrorErr
}

// Resubscribe recreates the group on key without emitting control signals.
// Used to heal after a failed read. Keys no longer in subs are left alone, and
// a group created while an Unsubscribe of the same key ran is torn down again.
func (s *Subscriber) Resubscribe(ctx context.Context, subs SubscriptionSet, key, groupID string) error {
	if !subs.Contains(key) {
		return nil
	}

	created, err := s.store.EnsureGroup(ctx, key, groupID)
	if err != nil {
		return fmt.Errorf("resubscribe %s: %w", key, err)
	}

	// [RACE_ROLLBACK] Unsubscribe removed the key after the check above.
	if created && !subs.Contains(key) {
		s.logger.Debug("RESUBSCRIBE_ROLLED_BACK", "stream", key, "group", groupID)
		return s.release(ctx, key, groupID)
	}
	return nil
}

// release destroys the group and reclaims the stream when it was the last one.
func (s *Subscriber) release(ctx context.Context, key, groupID string) error {
	if err := s.store.DestroyGroup(ctx, key, groupID); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}

	remaining, err := s.store.GroupCount(ctx, key)
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if remaining == 0 {
		s.reclaim(ctx, key)
	}
	return nil
}

// reclaim frees the storage of a stream without consumer groups.
func (s *Subscriber) reclaim(ctx context.Context, key string) {
	if _, err := s.store.Trim(ctx, key, 0); err != nil {
		s.logger.Warn("STREAM_TRIM_FAILED", "err", err, "stream", key)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn("STREAM_DELETE_FAILED", "err", err, "stream", key)
	}
	if err := s.store.Delete(ctx, model.DraftKey(key)); err != nil {
		s.logger.Warn("DRAFT_DELETE_FAILED", "err", err, "stream", key)
	}

	s.logger.Debug("STREAM_RECLAIMED", "stream", key)
}

// mirror publishes a control signal to the user's personal stream.
func (s *Subscriber) mirror(ctx context.Context, event model.Event, key string, user model.Identity) error {
	sender := user
	env := model.NewEnvelope(
		model.RouteSubscriptions,
		event,
		model.SubscriptionSignal{StreamKey: key},
		model.SenderOnly,
		&sender,
	)

	if err := s.publisher.Publish(ctx, UserStreamKey(user), env); err != nil {
		return &MirrorError{Event: event, StreamKey: key, Err: err}
	}
	return nil
}

// UserStreamKey is the personal stream every session of a user listens on.
func UserStreamKey(user model.Identity) string {
	return user.ID.String()
}
