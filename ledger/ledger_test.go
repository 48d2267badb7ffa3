package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"poll-ledger-backend/models"
	"poll-ledger-backend/registry"
	"poll-ledger-backend/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *fakeClock) Set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = unix
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(evt models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) CountByType(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// newTestLedger 构造时钟固定在1500、带一个窗口 [1000,2000] 投票的账本
func newTestLedger(t *testing.T) (*VoteLedger, *registry.PollRegistry, *fakeClock, *recordingPublisher, int64) {
	t.Helper()

	store := storage.NewMemoryStore()
	clock := &fakeClock{now: 1500}
	pub := &recordingPublisher{}
	reg := registry.NewPollRegistry(store, clock, pub)
	led := NewVoteLedger(reg, store, clock, pub)

	pollID, err := reg.CreatePoll(context.Background(), models.CreatePollInput{
		Description: "lunch",
		Options:     []string{"noodles", "rice", "dumplings"},
		StartTime:   1000,
		EndTime:     2000,
	}, "alice")
	require.NoError(t, err)

	return led, reg, clock, pub, pollID
}

func TestCastVote_HappyPath(t *testing.T) {
	led, reg, _, pub, pollID := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.CastVote(ctx, pollID, 1, "bob"))

	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 0}, poll.VoteCounts)
	assert.Equal(t, int64(1), poll.TotalVotes)

	voted, err := led.HasVoted(ctx, pollID, "bob")
	require.NoError(t, err)
	assert.True(t, voted)

	rec, err := led.GetVoteRecord(ctx, pollID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.VoteRecord{
		Voter:       "bob",
		PollID:      pollID,
		OptionIndex: 1,
		Timestamp:   1500,
	}, rec)

	assert.Equal(t, 1, pub.CountByType(models.EventVoteCast))
}

func TestCastVote_AdmissionCheckOrder(t *testing.T) {
	led, reg, clock, _, pollID := newTestLedger(t)
	ctx := context.Background()

	// 不存在的投票：即使选项也非法，先报不存在
	err := led.CastVote(ctx, 99, -1, "bob")
	assert.ErrorIs(t, err, models.ErrPollNotFound)

	// 未开始：时间检查先于选项检查
	clock.Set(500)
	err = led.CastVote(ctx, pollID, 99, "bob")
	assert.ErrorIs(t, err, models.ErrPollNotStarted)

	// 已结束
	clock.Set(2500)
	err = led.CastVote(ctx, pollID, 0, "bob")
	assert.ErrorIs(t, err, models.ErrPollEnded)

	// 窗口内但已关闭：active 检查先于时间检查
	clock.Set(1500)
	require.NoError(t, reg.ClosePoll(ctx, pollID, "alice"))
	err = led.CastVote(ctx, pollID, 0, "bob")
	assert.ErrorIs(t, err, models.ErrPollNotActive)
}

func TestCastVote_WindowBoundaries(t *testing.T) {
	led, _, clock, _, pollID := newTestLedger(t)
	ctx := context.Background()

	// 起止时刻都接受选票
	clock.Set(1000)
	assert.NoError(t, led.CastVote(ctx, pollID, 0, "v-start"))

	clock.Set(2000)
	assert.NoError(t, led.CastVote(ctx, pollID, 0, "v-end"))

	clock.Set(999)
	assert.ErrorIs(t, led.CastVote(ctx, pollID, 0, "v-early"), models.ErrPollNotStarted)

	clock.Set(2001)
	assert.ErrorIs(t, led.CastVote(ctx, pollID, 0, "v-late"), models.ErrPollEnded)
}

func TestCastVote_InvalidOption(t *testing.T) {
	led, _, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	for _, idx := range []int{-1, 3, 100} {
		err := led.CastVote(ctx, pollID, idx, "bob")
		assert.ErrorIs(t, err, models.ErrInvalidOption, "option index %d", idx)
	}
}

func TestCastVote_ExactlyOnce(t *testing.T) {
	led, reg, _, pub, pollID := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.CastVote(ctx, pollID, 0, "bob"))

	// 换选项重投同样被拒
	err := led.CastVote(ctx, pollID, 1, "bob")
	assert.ErrorIs(t, err, models.ErrAlreadyVoted)

	// 原记录保持不变
	rec, err := led.GetVoteRecord(ctx, pollID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.OptionIndex)

	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), poll.TotalVotes)
	assert.Equal(t, 1, pub.CountByType(models.EventVoteCast))
}

func TestCastVote_RejectionLeavesNoPartialState(t *testing.T) {
	led, reg, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	require.ErrorIs(t, led.CastVote(ctx, pollID, 99, "bob"), models.ErrInvalidOption)

	// 拒绝不留下任何痕迹
	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), poll.TotalVotes)
	assert.Equal(t, []int64{0, 0, 0}, poll.VoteCounts)

	voted, err := led.HasVoted(ctx, pollID, "bob")
	require.NoError(t, err)
	assert.False(t, voted)

	// 被拒后仍可正常投票
	assert.NoError(t, led.CastVote(ctx, pollID, 2, "bob"))
}

func TestCastVote_TallyInvariant(t *testing.T) {
	led, reg, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	voters := 25
	for i := 0; i < voters; i++ {
		require.NoError(t, led.CastVote(ctx, pollID, i%3, fmt.Sprintf("voter-%d", i)))
	}

	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)

	var sum int64
	for _, c := range poll.VoteCounts {
		sum += c
	}
	assert.Equal(t, poll.TotalVotes, sum)

	count, err := led.CountVoters(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, poll.TotalVotes, count)
}

func TestCastVote_ConcurrentVotersSerialized(t *testing.T) {
	led, reg, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	voters := 50
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = led.CastVote(ctx, pollID, n%3, fmt.Sprintf("voter-%d", n))
		}(i)
	}
	wg.Wait()

	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, int64(voters), poll.TotalVotes)

	var sum int64
	for _, c := range poll.VoteCounts {
		sum += c
	}
	assert.Equal(t, int64(voters), sum)
}

func TestCastVote_ConcurrentDuplicateVoter(t *testing.T) {
	led, reg, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = led.CastVote(ctx, pollID, n%3, "same-voter")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, models.ErrAlreadyVoted)
		}
	}
	assert.Equal(t, 1, accepted)

	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), poll.TotalVotes)
}

func TestGetVoterChoice(t *testing.T) {
	led, _, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	// 从未投票
	_, err := led.GetVoterChoice(ctx, pollID, "bob")
	assert.ErrorIs(t, err, models.ErrInvalidOption)

	// 投票不存在
	_, err = led.GetVoterChoice(ctx, 99, "bob")
	assert.ErrorIs(t, err, models.ErrPollNotFound)

	require.NoError(t, led.CastVote(ctx, pollID, 2, "bob"))
	choice, err := led.GetVoterChoice(ctx, pollID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, choice)
}

func TestGetVoteRecord_NeverVotedReturnsZeroRecord(t *testing.T) {
	led, _, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	rec, err := led.GetVoteRecord(ctx, pollID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.VoteRecord{}, rec)

	_, err = led.GetVoteRecord(ctx, 99, "bob")
	assert.ErrorIs(t, err, models.ErrPollNotFound)
}

func TestIsVoteError(t *testing.T) {
	assert.True(t, IsVoteError(models.ErrAlreadyVoted))
	assert.True(t, IsVoteError(models.ErrPollEnded))
	assert.False(t, IsVoteError(models.ErrInvalidTimeRange))
	assert.False(t, IsVoteError(nil))
}

// 完整生命周期：创建、投票、重复投票、越界选项、越权关闭、关闭、关闭后投票
func TestPollLifecycleScenario(t *testing.T) {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: 1000}
	pub := &recordingPublisher{}
	reg := registry.NewPollRegistry(store, clock, pub)
	led := NewVoteLedger(reg, store, clock, pub)
	ctx := context.Background()

	pollID, err := reg.CreatePoll(ctx, models.CreatePollInput{
		Description: "Pick a color",
		Options:     []string{"Red", "Blue"},
		StartTime:   1000,
		EndTime:     1000 + 3600,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pollID)

	clock.Set(1010)
	require.NoError(t, led.CastVote(ctx, pollID, 1, "bob"))

	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, poll.VoteCounts)
	assert.Equal(t, int64(1), poll.TotalVotes)

	assert.ErrorIs(t, led.CastVote(ctx, pollID, 0, "bob"), models.ErrAlreadyVoted)
	assert.ErrorIs(t, led.CastVote(ctx, pollID, 5, "carol"), models.ErrInvalidOption)
	assert.ErrorIs(t, reg.ClosePoll(ctx, pollID, "bob"), models.ErrUnauthorized)

	require.NoError(t, reg.ClosePoll(ctx, pollID, "alice"))
	open, err := reg.IsPollOpen(ctx, pollID)
	require.NoError(t, err)
	assert.False(t, open)

	assert.ErrorIs(t, led.CastVote(ctx, pollID, 0, "dave"), models.ErrPollNotActive)
}

// 投票期间关闭的场景：关闭前受理，关闭后拒绝
func TestCloseDuringVotingWindow(t *testing.T) {
	led, reg, _, _, pollID := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, led.CastVote(ctx, pollID, 0, "before-close"))
	require.NoError(t, reg.ClosePoll(ctx, pollID, "alice"))

	err := led.CastVote(ctx, pollID, 0, "after-close")
	assert.ErrorIs(t, err, models.ErrPollNotActive)

	// 已受理的选票保持不变
	poll, err := reg.GetPoll(ctx, pollID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), poll.TotalVotes)
}
