package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterAllow(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, 2, time.Minute, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("third request should be denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}

	// Other identifiers are unaffected.
	allowed, _, err = limiter.Allow(ctx, "5.6.7.8")
	if err != nil || !allowed {
		t.Fatalf("independent key should be allowed: %v", err)
	}

	// Window expiry readmits.
	srv.FastForward(time.Minute + time.Second)
	allowed, _, err = limiter.Allow(ctx, "1.2.3.4")
	if err != nil || !allowed {
		t.Fatalf("request after window should be allowed: %v", err)
	}
}
