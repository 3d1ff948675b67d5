package api

import (
	"sync"
	"time"
)

// 默认：每个 IP 15 分钟内最多 10 次密钥校验失败
const (
	defaultFailureLimit  = 10
	defaultFailureWindow = 15 * time.Minute
)

// failureLimiter 按客户端 IP 限制 API Key 校验失败次数
type failureLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*tokenBucket
	now     func() time.Time
}

func newFailureLimiter(limit int, window time.Duration) *failureLimiter {
	return &failureLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// blocked 报告该 IP 的失败额度是否已用完
func (l *failureLimiter) blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		return false
	}
	b.refill(l.now())
	return b.tokens == 0
}

// fail 记录一次失败
func (l *failureLimiter) fail(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)

	b, ok := l.buckets[ip]
	if !ok {
		b = newTokenBucket(l.limit, l.window, now)
		l.buckets[ip] = b
	}
	b.refill(now)
	if b.tokens > 0 {
		b.tokens--
	}
	b.lastAccess = now
}

// prune 删除已恢复满额且长时间未访问的桶
func (l *failureLimiter) prune(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.window {
			delete(l.buckets, ip)
		}
	}
}

// tokenBucket 令牌桶
type tokenBucket struct {
	capacity   int
	refillRate time.Duration
	tokens     int
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(capacity int, refillWindow time.Duration, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		refillRate: refillWindow / time.Duration(capacity),
		tokens:     capacity,
		lastRefill: now,
		lastAccess: now,
	}
}

// refill 按经过的时间补充令牌
func (tb *tokenBucket) refill(now time.Time) {
	added := int(now.Sub(tb.lastRefill) / tb.refillRate)
	if added > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+added)
		tb.lastRefill = tb.lastRefill.Add(time.Duration(added) * tb.refillRate)
	}
}
