package handlers

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"poll-ledger-backend/cache"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// 身份请求头。投票身份是调用方自带的不透明字符串。
const identityHeader = "X-Identity"

const identityKey = "identity"

// identityFrom 读取中间件注入的调用方身份
func identityFrom(c *gin.Context) string {
	return c.GetString(identityKey)
}

// IdentityRequired 要求请求携带身份头，缺失时拒绝
func IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.GetHeader(identityHeader)
		if identity == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少 " + identityHeader + " 请求头"})
			c.Abort()
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// 限流配置，从环境变量读取
var (
	rateLimitEnabled bool
	globalRateLimit  = 100
	userRateLimit    = 10

	identityLimiter *cache.IdentityRateLimiter

	// Redis不可用时的本地令牌桶兜底
	localMu       sync.Mutex
	localLimiters = make(map[string]*rate.Limiter)
)

// InitRateLimiters 初始化限流器。ENABLE_RATE_LIMIT=true 时启用，
// Redis可用走共享令牌桶，否则退化为进程内 rate.Limiter。
func InitRateLimiters() {
	if os.Getenv("ENABLE_RATE_LIMIT") != "true" {
		return
	}
	rateLimitEnabled = true

	if v := os.Getenv("GLOBAL_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			globalRateLimit = n
		}
	}
	if v := os.Getenv("USER_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			userRateLimit = n
		}
	}

	client, err := cache.GetClient()
	if err != nil {
		log.Printf("限流器使用本地令牌桶: %v", err)
		return
	}

	identityLimiter = cache.NewIdentityRateLimiter(
		client,
		"poll_api",
		globalRateLimit,
		globalRateLimit*2,
		userRateLimit,
		userRateLimit*2,
	)
	log.Printf("限流器已初始化：全局速率=%d/秒，身份速率=%d/秒", globalRateLimit, userRateLimit)
}

// localLimiterFor 返回某身份的本地令牌桶
func localLimiterFor(identity string) *rate.Limiter {
	localMu.Lock()
	defer localMu.Unlock()
	if l, ok := localLimiters[identity]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(userRateLimit), userRateLimit*2)
	localLimiters[identity] = l
	return l
}

// RateLimitMiddleware 限流中间件
func RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rateLimitEnabled {
			c.Next()
			return
		}

		identity := c.GetHeader(identityHeader)
		if identity == "" {
			identity = c.ClientIP()
		}

		var allowed bool
		if identityLimiter != nil {
			ok, err := identityLimiter.Allow(c.Request.Context(), identity)
			if err != nil {
				log.Printf("限流检查失败: %v，本次放行", err)
				ok = true
			}
			allowed = ok
		} else {
			allowed = localLimiterFor(identity).Allow()
		}

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "请求频率过高，请稍后再试"})
			c.Abort()
			return
		}

		c.Next()
	}
}
