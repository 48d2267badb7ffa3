package handlers

import (
	"log"
	"net/http"

	"poll-ledger-backend/cache"
	"poll-ledger-backend/ledger"
	"poll-ledger-backend/models"
	"poll-ledger-backend/registry"

	"github.com/gin-gonic/gin"
)

// VoteHandler 选票受理相关的HTTP处理器
type VoteHandler struct {
	registry *registry.PollRegistry
	ledger   *ledger.VoteLedger
}

// NewVoteHandler 创建选票处理器
func NewVoteHandler(reg *registry.PollRegistry, led *ledger.VoteLedger) *VoteHandler {
	return &VoteHandler{registry: reg, ledger: led}
}

// CastVote 受理一张选票
func (h *VoteHandler) CastVote(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	var input models.VoteInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	voter := identityFrom(c)
	log.Printf("收到投票请求: 投票=%d, 选项=%d, 身份=%s", pollID, *input.OptionIndex, voter)

	err := cache.WithPollLock(pollID, func() error {
		return h.ledger.CastVote(c.Request.Context(), pollID, *input.OptionIndex, voter)
	})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	// 计票已变化，失效快照缓存
	if err := cache.InvalidatePoll(pollID); err != nil {
		log.Printf("失效投票缓存失败: %v", err)
	}

	poll, err := h.registry.GetPoll(c.Request.Context(), pollID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "accepted": true})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"poll_id":  pollID,
		"accepted": true,
		"tallies":  poll.Tallies(),
	})
}

// HasVoted 查询当前身份是否已在该投票上投过票
func (h *VoteHandler) HasVoted(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}
	voter := identityFrom(c)

	voted, err := h.ledger.HasVoted(c.Request.Context(), pollID, voter)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "voted": voted})
}

// GetVoterChoice 查询当前身份在该投票上选择的选项下标
func (h *VoteHandler) GetVoterChoice(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}
	voter := identityFrom(c)

	choice, err := h.ledger.GetVoterChoice(c.Request.Context(), pollID, voter)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "option_index": choice})
}

// GetVoteRecord 查询当前身份在该投票上的完整投票记录。
// 从未投票时返回零值记录，voted 字段区分两种情况。
func (h *VoteHandler) GetVoteRecord(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}
	voter := identityFrom(c)

	rec, err := h.ledger.GetVoteRecord(c.Request.Context(), pollID, voter)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	voted := rec.Voter != ""
	c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "voted": voted, "record": rec})
}

// CountVoters 查询该投票的不同投票人数量
func (h *VoteHandler) CountVoters(c *gin.Context) {
	pollID, ok := parsePollID(c)
	if !ok {
		return
	}

	count, err := h.ledger.CountVoters(c.Request.Context(), pollID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"poll_id": pollID, "voter_count": count})
}
