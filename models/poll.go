package models

// Poll represents a single votable question with a fixed option list and a
// fixed time window. VoteCounts is kept parallel to Options; both always have
// the same length. Times are unix seconds.
type Poll struct {
	ID          int64    `json:"id"`
	Creator     string   `json:"creator"`
	Description string   `json:"description"`
	Options     []string `json:"options"`
	VoteCounts  []int64  `json:"vote_counts"`
	StartTime   int64    `json:"start_time"`
	EndTime     int64    `json:"end_time"`
	TotalVotes  int64    `json:"total_votes"`
	IsActive    bool     `json:"is_active"`
}

// Clone returns a deep copy so callers can never mutate stored option or
// count slices through a returned poll.
func (p Poll) Clone() Poll {
	out := p
	out.Options = append([]string(nil), p.Options...)
	out.VoteCounts = append([]int64(nil), p.VoteCounts...)
	return out
}

// VoteRecord is the immutable proof that Voter cast OptionIndex on PollID at
// Timestamp (unix seconds). At most one record ever exists per (voter, poll).
type VoteRecord struct {
	Voter       string `json:"voter"`
	PollID      int64  `json:"poll_id"`
	OptionIndex int    `json:"option_index"`
	Timestamp   int64  `json:"timestamp"`
}

// CreatePollInput 创建投票请求
type CreatePollInput struct {
	Description string   `json:"description"`
	Options     []string `json:"options" binding:"required"`
	StartTime   int64    `json:"start_time"`
	EndTime     int64    `json:"end_time"`
}

// VoteInput 提交投票请求
type VoteInput struct {
	OptionIndex *int `json:"option_index" binding:"required"`
}

// OptionTally 单个选项的统计结果
type OptionTally struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Votes      int64   `json:"votes"`
	Percentage float64 `json:"percentage"`
}

// PollTallies 投票的实时统计，用于查询响应和WebSocket推送
type PollTallies struct {
	PollID     int64         `json:"poll_id"`
	TotalVotes int64         `json:"total_votes"`
	IsActive   bool          `json:"is_active"`
	Options    []OptionTally `json:"options"`
}

// Tallies builds the per-option tally view, including percentages.
func (p Poll) Tallies() PollTallies {
	t := PollTallies{
		PollID:     p.ID,
		TotalVotes: p.TotalVotes,
		IsActive:   p.IsActive,
		Options:    make([]OptionTally, len(p.Options)),
	}
	for i, text := range p.Options {
		pct := 0.0
		if p.TotalVotes > 0 {
			pct = float64(p.VoteCounts[i]) / float64(p.TotalVotes) * 100
		}
		t.Options[i] = OptionTally{
			Index:      i,
			Text:       text,
			Votes:      p.VoteCounts[i],
			Percentage: pct,
		}
	}
	return t
}
