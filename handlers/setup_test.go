package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"poll-ledger-backend/cache"
	"poll-ledger-backend/ledger"
	"poll-ledger-backend/mq"
	"poll-ledger-backend/registry"
	"poll-ledger-backend/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// SetupTestEnvironment 搭建测试环境：内存存储、mock缓存、mock事件队列
func SetupTestEnvironment(t *testing.T) (*gin.Engine, *registry.PollRegistry, *ledger.VoteLedger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// 缓存和事件队列统一走mock模式
	os.Setenv("REDIS_MOCK", "true")
	os.Setenv("MQ_TYPE", "mock")
	require.NoError(t, cache.InitRedis())
	cache.ResetMock()

	mqAdapter := mq.NewMQAdapter()
	require.NoError(t, mqAdapter.Initialize())

	store := storage.NewMemoryStore()
	reg := registry.NewPollRegistry(store, nil, mqAdapter)
	led := ledger.NewVoteLedger(reg, store, nil, mqAdapter)

	pollHandler := NewPollHandler(reg, led, nil)
	voteHandler := NewVoteHandler(reg, led)
	healthHandler := NewHealthHandler(mqAdapter)

	router := gin.New()
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Identity"}
	router.Use(cors.New(config))

	api := router.Group("/api")
	{
		api.GET("/health", healthHandler.Health)

		polls := api.Group("/polls")
		{
			polls.POST("", IdentityRequired(), pollHandler.CreatePoll)
			polls.GET("/:id", pollHandler.GetPoll)
			polls.GET("/:id/tallies", pollHandler.GetTallies)
			polls.GET("/:id/open", pollHandler.IsPollOpen)
			polls.POST("/:id/close", IdentityRequired(), pollHandler.ClosePoll)

			polls.POST("/:id/votes", IdentityRequired(), voteHandler.CastVote)
			polls.GET("/:id/votes/me", IdentityRequired(), voteHandler.HasVoted)
			polls.GET("/:id/votes/me/choice", IdentityRequired(), voteHandler.GetVoterChoice)
			polls.GET("/:id/votes/me/record", IdentityRequired(), voteHandler.GetVoteRecord)
			polls.GET("/:id/voters/count", voteHandler.CountVoters)
		}

		api.GET("/users/:creator/polls", pollHandler.GetUserPolls)
	}

	return router, reg, led
}

// performRequest 发送测试请求，identity非空时附带身份头
func performRequest(router *gin.Engine, method, path string, body interface{}, identity string) *httptest.ResponseRecorder {
	var buf *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-Identity", identity)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// testWindow 返回覆盖当前时间的投票窗口
func testWindow() (int64, int64) {
	now := time.Now().Unix()
	return now - 60, now + 3600
}

// createTestPoll 通过API创建一个窗口内的投票，返回poll_id
func createTestPoll(t *testing.T, router *gin.Engine, creator string) int64 {
	t.Helper()

	start, end := testWindow()
	w := performRequest(router, "POST", "/api/polls", gin.H{
		"description": "test poll",
		"options":     []string{"Go", "Rust", "Zig"},
		"start_time":  start,
		"end_time":    end,
	}, creator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		PollID int64 `json:"poll_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.PollID
}
