package storage

import (
	"context"
	"sort"
	"sync"

	"poll-ledger-backend/models"
)

// Store 定义投票账本的持久化接口。实现必须保证：
//   - NextPollID 返回从0开始、只增不减、永不复用的序列值
//   - SaveVote 原子地写入投票记录并更新计票，同一 (voter, poll) 重复写入
//     必须以 models.ErrAlreadyVoted 拒绝
//   - 读操作返回的数据不与内部状态共享可变引用
type Store interface {
	// 投票活动
	NextPollID(ctx context.Context) (int64, error)
	CreatePoll(ctx context.Context, poll models.Poll) error
	PutPoll(ctx context.Context, poll models.Poll) error
	GetPoll(ctx context.Context, id int64) (models.Poll, bool, error)
	RecentPolls(ctx context.Context, limit int) ([]models.Poll, error)

	// 创建者索引
	UserPolls(ctx context.Context, creator string) ([]int64, error)

	// 投票记录
	GetVoteRecord(ctx context.Context, voter string, pollID int64) (models.VoteRecord, bool, error)
	CountVoters(ctx context.Context, pollID int64) (int64, error)
	SaveVote(ctx context.Context, rec models.VoteRecord, poll models.Poll) error
}

// MemoryStore 基于内存的Store实现，用于测试和无数据库部署
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	polls     map[int64]models.Poll
	userPolls map[string][]int64
	votes     map[int64]map[string]models.VoteRecord
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		polls:     make(map[int64]models.Poll),
		userPolls: make(map[string][]int64),
		votes:     make(map[int64]map[string]models.VoteRecord),
	}
}

// NextPollID 分配下一个投票ID，从0开始递增
func (s *MemoryStore) NextPollID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

// CreatePoll 存储新投票并追加到创建者索引
func (s *MemoryStore) CreatePoll(ctx context.Context, poll models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[poll.ID] = poll.Clone()
	s.userPolls[poll.Creator] = append(s.userPolls[poll.Creator], poll.ID)
	return nil
}

// PutPoll 覆盖已有投票记录
func (s *MemoryStore) PutPoll(ctx context.Context, poll models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[poll.ID] = poll.Clone()
	return nil
}

// GetPoll 按ID读取投票，返回深拷贝
func (s *MemoryStore) GetPoll(ctx context.Context, id int64) (models.Poll, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	poll, ok := s.polls[id]
	if !ok {
		return models.Poll{}, false, nil
	}
	return poll.Clone(), true, nil
}

// RecentPolls 按ID倒序返回最近创建的投票
func (s *MemoryStore) RecentPolls(ctx context.Context, limit int) ([]models.Poll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	polls := make([]models.Poll, 0, len(s.polls))
	for _, poll := range s.polls {
		polls = append(polls, poll.Clone())
	}
	sort.Slice(polls, func(i, j int) bool { return polls[i].ID > polls[j].ID })
	if limit > 0 && len(polls) > limit {
		polls = polls[:limit]
	}
	return polls, nil
}

// UserPolls 返回创建者按创建顺序排列的投票ID列表
func (s *MemoryStore) UserPolls(ctx context.Context, creator string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.userPolls[creator]
	return append([]int64(nil), ids...), nil
}

// GetVoteRecord 查询 (voter, poll) 的投票记录
func (s *MemoryStore) GetVoteRecord(ctx context.Context, voter string, pollID int64) (models.VoteRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.votes[pollID][voter]
	return rec, ok, nil
}

// CountVoters 返回已在该投票上投过票的不同身份数量
func (s *MemoryStore) CountVoters(ctx context.Context, pollID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.votes[pollID])), nil
}

// SaveVote 原子写入投票记录并更新计票
func (s *MemoryStore) SaveVote(ctx context.Context, rec models.VoteRecord, poll models.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byVoter, ok := s.votes[rec.PollID]
	if !ok {
		byVoter = make(map[string]models.VoteRecord)
		s.votes[rec.PollID] = byVoter
	}
	if _, exists := byVoter[rec.Voter]; exists {
		return models.ErrAlreadyVoted
	}

	byVoter[rec.Voter] = rec
	s.polls[poll.ID] = poll.Clone()
	return nil
}
