package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"poll-ledger-backend/models"
	"poll-ledger-backend/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 固定时间的测试时钟
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

// recordingPublisher 记录发布的事件供断言
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

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

func newTestRegistry(now int64) (*PollRegistry, *fakeClock, *recordingPublisher) {
	clock := &fakeClock{now: now}
	pub := &recordingPublisher{}
	reg := NewPollRegistry(storage.NewMemoryStore(), clock, pub)
	return reg, clock, pub
}

func validInput() models.CreatePollInput {
	return models.CreatePollInput{
		Description: "best language",
		Options:     []string{"Go", "Rust"},
		StartTime:   1000,
		EndTime:     2000,
	}
}

func TestCreatePoll_AssignsSequentialIDsFromZero(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	for want := int64(0); want < 3; want++ {
		id, err := reg.CreatePoll(ctx, validInput(), "alice")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestCreatePoll_OptionCountValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	makeOptions := func(n int) []string {
		opts := make([]string, n)
		for i := range opts {
			opts[i] = fmt.Sprintf("option-%d", i)
		}
		return opts
	}

	tests := []struct {
		count   int
		wantErr error
	}{
		{0, models.ErrInvalidOptionCount},
		{1, models.ErrInvalidOptionCount},
		{2, nil},
		{10, nil},
		{11, models.ErrInvalidOptionCount},
		{50, models.ErrInvalidOptionCount},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d_options", tc.count), func(t *testing.T) {
			input := validInput()
			input.Options = makeOptions(tc.count)
			_, err := reg.CreatePoll(ctx, input, "alice")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreatePoll_TimeRangeValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	tests := []struct {
		name    string
		start   int64
		end     int64
		wantErr error
	}{
		{"start_before_end", 1000, 2000, nil},
		{"start_equals_end", 1000, 1000, models.ErrInvalidTimeRange},
		{"start_after_end", 2000, 1000, models.ErrInvalidTimeRange},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput()
			input.StartTime = tc.start
			input.EndTime = tc.end
			_, err := reg.CreatePoll(ctx, input, "alice")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreatePoll_DescriptionByteLimit(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	input := validInput()
	input.Description = strings.Repeat("x", MaxDescriptionBytes)
	_, err := reg.CreatePoll(ctx, input, "alice")
	assert.NoError(t, err)

	input.Description = strings.Repeat("x", MaxDescriptionBytes+1)
	_, err = reg.CreatePoll(ctx, input, "alice")
	assert.ErrorIs(t, err, models.ErrDescriptionTooLong)

	// 多字节字符按字节计数，93个三字节字符加"xé"共282字节超限
	input.Description = strings.Repeat("投", 93) + "xé"
	assert.Equal(t, 282, len(input.Description))
	_, err = reg.CreatePoll(ctx, input, "alice")
	assert.ErrorIs(t, err, models.ErrDescriptionTooLong)
}

func TestCreatePoll_ValidationOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	// 全部违规时先报选项数量
	input := models.CreatePollInput{
		Description: strings.Repeat("x", 300),
		Options:     []string{"only"},
		StartTime:   2000,
		EndTime:     1000,
	}
	_, err := reg.CreatePoll(ctx, input, "alice")
	assert.ErrorIs(t, err, models.ErrInvalidOptionCount)

	// 选项合法后报时间窗口
	input.Options = []string{"a", "b"}
	_, err = reg.CreatePoll(ctx, input, "alice")
	assert.ErrorIs(t, err, models.ErrInvalidTimeRange)

	// 时间窗口合法后报描述超长
	input.StartTime, input.EndTime = 1000, 2000
	_, err = reg.CreatePoll(ctx, input, "alice")
	assert.ErrorIs(t, err, models.ErrDescriptionTooLong)
}

func TestCreatePoll_FailedCreateHasNoSideEffects(t *testing.T) {
	reg, _, pub := newTestRegistry(1500)
	ctx := context.Background()

	input := validInput()
	input.Options = nil
	_, err := reg.CreatePoll(ctx, input, "alice")
	require.Error(t, err)

	// 校验失败不消耗ID，也不发布事件
	id, err := reg.CreatePoll(ctx, validInput(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, []string{models.EventPollCreated}, pub.Types())
}

func TestCreatePoll_InitialState(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	id, err := reg.CreatePoll(ctx, validInput(), "alice")
	require.NoError(t, err)

	poll, err := reg.GetPoll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", poll.Creator)
	assert.True(t, poll.IsActive)
	assert.Equal(t, int64(0), poll.TotalVotes)
	assert.Equal(t, []int64{0, 0}, poll.VoteCounts)
	assert.Equal(t, []string{"Go", "Rust"}, poll.Options)
}

func TestGetPoll_NotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)

	_, err := reg.GetPoll(context.Background(), 42)
	assert.ErrorIs(t, err, models.ErrPollNotFound)
}

func TestClosePoll(t *testing.T) {
	reg, _, pub := newTestRegistry(1500)
	ctx := context.Background()

	id, err := reg.CreatePoll(ctx, validInput(), "alice")
	require.NoError(t, err)

	// 不存在的投票
	err = reg.ClosePoll(ctx, 99, "alice")
	assert.ErrorIs(t, err, models.ErrPollNotFound)

	// 非创建者
	err = reg.ClosePoll(ctx, id, "bob")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	// 创建者关闭成功
	err = reg.ClosePoll(ctx, id, "alice")
	require.NoError(t, err)

	poll, err := reg.GetPoll(ctx, id)
	require.NoError(t, err)
	assert.False(t, poll.IsActive)

	// 重复关闭
	err = reg.ClosePoll(ctx, id, "alice")
	assert.ErrorIs(t, err, models.ErrPollNotActive)

	assert.Equal(t, []string{models.EventPollCreated, models.EventPollClosed}, pub.Types())
}

func TestClosePoll_AuthorizationBeforeState(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	id, err := reg.CreatePoll(ctx, validInput(), "alice")
	require.NoError(t, err)
	require.NoError(t, reg.ClosePoll(ctx, id, "alice"))

	// 已关闭的投票，非创建者仍然先报未授权
	err = reg.ClosePoll(ctx, id, "bob")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestIsPollOpen_Window(t *testing.T) {
	reg, clock, _ := newTestRegistry(500)
	ctx := context.Background()

	id, err := reg.CreatePoll(ctx, validInput(), "alice")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  int64
		want bool
	}{
		{"before_start", 999, false},
		{"at_start", 1000, true},
		{"inside_window", 1500, true},
		{"at_end", 2000, true},
		{"after_end", 2001, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock.Set(tc.now)
			open, err := reg.IsPollOpen(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, open)
		})
	}

	// 关闭后无论时间都不开放
	clock.Set(1500)
	require.NoError(t, reg.ClosePoll(ctx, id, "alice"))
	open, err := reg.IsPollOpen(ctx, id)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestGetUserPolls_OrderedByCreation(t *testing.T) {
	reg, _, _ := newTestRegistry(1500)
	ctx := context.Background()

	id1, _ := reg.CreatePoll(ctx, validInput(), "alice")
	_, _ = reg.CreatePoll(ctx, validInput(), "bob")
	id3, _ := reg.CreatePoll(ctx, validInput(), "alice")

	ids, err := reg.GetUserPolls(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int64{id1, id3}, ids)

	// 没有创建过投票的身份得到空列表
	ids, err = reg.GetUserPolls(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
