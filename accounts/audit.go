package accounts

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Counter is the subset of the redis client the audit needs.
type Counter interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// LoginAudit counts successful logins per username and client IP. A nil
// audit or one without a client does nothing.
type LoginAudit struct {
	Redis  Counter
	Logger *logrus.Logger
}

func NewLoginAudit(client *redis.Client, logger *logrus.Logger) *LoginAudit {
	if client == nil {
		return nil
	}
	return &LoginAudit{Redis: client, Logger: logger}
}

func ipsKey(username string) string { return username + ":ips_count" }

func (a *LoginAudit) Record(ctx context.Context, username, ip string) {
	if a == nil || a.Redis == nil {
		return
	}
	if err := a.Redis.HIncrBy(ctx, ipsKey(username), ip, 1).Err(); err != nil && a.Logger != nil {
		a.Logger.WithError(err).WithField("username", username).Warn("login audit write failed")
	}
}

// Counts returns the login count per IP for username.
func (a *LoginAudit) Counts(ctx context.Context, username string) (map[string]int64, error) {
	out := map[string]int64{}
	if a == nil || a.Redis == nil {
		return out, nil
	}
	raw, err := a.Redis.HGetAll(ctx, ipsKey(username)).Result()
	if err != nil {
		return nil, err
	}
	for ip, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[ip] = n
	}
	return out, nil
}
