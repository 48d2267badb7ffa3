package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"poll-ledger-backend/cache"
	"poll-ledger-backend/ledger"
	"poll-ledger-backend/models"
	"poll-ledger-backend/registry"

	"github.com/gin-gonic/gin"
)

// PollHandler 投票活动相关的HTTP处理器
type PollHandler struct {
	registry *registry.PollRegistry
	ledger   *ledger.VoteLedger
	bloom    *cache.BloomFilter
}

// NewPollHandler 创建投票处理器。bloom 为 nil 时跳过布隆过滤器检查。
func NewPollHandler(reg *registry.PollRegistry, led *ledger.VoteLedger, bloom *cache.BloomFilter) *PollHandler {
	return &PollHandler{registry: reg, ledger: led, bloom: bloom}
}

// parsePollID 解析路径参数中的投票ID
func parsePollID(c *gin.Context) (int64, bool) {
	pollID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法的投票ID"})
		return 0, false
	}
	return pollID, true
}

// CreatePoll 创建新投票
func (h *PollHandler) CreatePoll(c *gin.Context) {
	var input models.CreatePollInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creator := identityFrom(c)
	log.Printf("收到创建投票请求: 创建者=%s, 选项数=%d", creator, len(input.Options))

	pollID, err := h.registry.CreatePoll(c.Request.Context(), input, creator)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	poll, err := h.registry.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// 新ID进入布隆过滤器并预热快照缓存
	if h.bloom != nil {
		if err := h.bloom.AddPollID(c.Request.Context(), pollID); err != nil {
			log.Printf("添加投票ID到布隆过滤器失败: %v", err)
		}
	}
	if err := cache.CachePoll(poll); err != nil {
		log.Printf("缓存投票快照失败: %v", err)
	}

	c.JSON(http.StatusCreated, gin.H{"poll_id": pollID, "poll": poll})
}

// GetPoll 按ID查询投票。先过布隆过滤器和快照缓存，未命中再回源。
func (h *PollHandler) GetPoll(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	// 布隆过滤器判定不存在的ID直接拒绝
	if h.bloom != nil {
		if may, err := h.bloom.MayContainPollID(c.Request.Context(), pollID); err == nil && !may {
			c.JSON(http.StatusNotFound, gin.H{"error": models.ErrPollNotFound.Error()})
			return
		}
	}

	poll, err := cache.GetCachedPoll(pollID)
	switch {
	case err == nil:
		// 缓存命中
	case errors.Is(err, models.ErrPollNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": models.ErrPollNotFound.Error()})
		return
	default:
		// 缓存未命中或故障，回源查询
		poll, err = h.registry.GetPoll(c.Request.Context(), pollID)
		if errors.Is(err, models.ErrPollNotFound) {
			if cacheErr := cache.CacheMissingPoll(pollID); cacheErr != nil {
				log.Printf("缓存空值失败: %v", cacheErr)
			}
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		if cacheErr := cache.CachePoll(poll); cacheErr != nil {
			log.Printf("缓存投票快照失败: %v", cacheErr)
		}
	}

	open, err := h.registry.IsPollOpen(c.Request.Context(), pollID)
	if err != nil {
		open = false
	}

	c.JSON(http.StatusOK, gin.H{"poll": poll, "is_open": open})
}

// GetTallies 查询投票的计票快照
func (h *PollHandler) GetTallies(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	poll, err := h.registry.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, poll.Tallies())
}

// IsPollOpen 查询投票当前是否接受选票
func (h *PollHandler) IsPollOpen(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	open, err := h.registry.IsPollOpen(c.Request.Context(), pollID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "is_open": open})
}

// GetUserPolls 查询某创建者名下的投票ID列表
func (h *PollHandler) GetUserPolls(c *gin.Context) {
	creator := c.Param("creator")

	ids, err := h.registry.GetUserPolls(c.Request.Context(), creator)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"creator": creator, "poll_ids": ids})
}

// ClosePoll 创建者提前关闭投票。多实例部署下对该投票加分布式锁。
func (h *PollHandler) ClosePoll(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}
	caller := identityFrom(c)

	err := cache.WithPollLock(pollID, func() error {
		return h.registry.ClosePoll(c.Request.Context(), pollID, caller)
	})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	// 状态变更后失效快照缓存
	if err := cache.InvalidatePoll(pollID); err != nil {
		log.Printf("失效投票缓存失败: %v", err)
	}

	log.Printf("投票 %d 已由 %s 关闭", pollID, caller)
	c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "closed": true})
}
