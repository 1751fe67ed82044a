// Package audit holds the transition sinks that do not need Discord.
package audit

import (
	"context"
	"strconv"

	"shiftbot/internal/duty"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, ev duty.Event) error {
	s.logger.Info("duty event",
		zap.String("correlation_id", ev.CorrelationID.String()),
		zap.String("event", string(ev.Kind)),
		zap.String("guild_id", ev.GuildID),
		zap.String("user_id", ev.UserID),
		zap.String("actor_id", ev.ActorID),
		zap.String("shift_id", ev.ShiftID.String()),
		zap.String("type", ev.ShiftType),
		zap.Time("at", ev.At),
		zap.Duration("on_duty", ev.Durations.OnDuty),
		zap.Duration("on_break", ev.Durations.OnBreak))
	return nil
}

// RedisClient is the subset of *redis.Client the Redis sink uses.
type RedisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisSink appends events to a stream and keeps a per-guild set of users
// currently on shift for external consumers.
type RedisSink struct {
	client RedisClient
	stream string
	maxLen int64
}

func NewRedisSink(client RedisClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// RosterKey is the set of user ids with an active shift in guildID.
func RosterKey(guildID string) string {
	return "duty:on:" + guildID
}

func (s *RedisSink) Record(ctx context.Context, ev duty.Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"correlation_id": ev.CorrelationID.String(),
			"event":          string(ev.Kind),
			"guild_id":       ev.GuildID,
			"user_id":        ev.UserID,
			"actor_id":       ev.ActorID,
			"shift_id":       ev.ShiftID.String(),
			"type":           ev.ShiftType,
			"at":             strconv.FormatInt(ev.At.UnixMilli(), 10),
			"on_duty_ms":     strconv.FormatInt(ev.Durations.OnDuty.Milliseconds(), 10),
			"on_break_ms":    strconv.FormatInt(ev.Durations.OnBreak.Milliseconds(), 10),
		},
	}).Err()
	if err != nil {
		return err
	}

	switch ev.Kind {
	case duty.EventStarted:
		return s.client.SAdd(ctx, RosterKey(ev.GuildID), ev.UserID).Err()
	case duty.EventEnded:
		return s.client.SRem(ctx, RosterKey(ev.GuildID), ev.UserID).Err()
	case duty.EventVoided:
		// Voiding an old ended shift says nothing about the current one.
		if ev.Previous != duty.NoActiveShift {
			return s.client.SRem(ctx, RosterKey(ev.GuildID), ev.UserID).Err()
		}
	}
	return nil
}

// Roster returns the user ids the stream consumers currently see on duty.
func (s *RedisSink) Roster(ctx context.Context, guildID string) ([]string, error) {
	return s.client.SMembers(ctx, RosterKey(guildID)).Result()
}
