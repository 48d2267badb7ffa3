package cache

import (
	"fmt"
	"log"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

var rs *redsync.Redsync

// DistributedLockService 分布式锁服务，多实例部署时对同一投票的
// 变更（关闭、投票提交）加互斥，单实例下由注册中心的本地锁兜底
type DistributedLockService struct {
	rs *redsync.Redsync
}

// InitDistLock 初始化分布式锁
func InitDistLock() {
	client, err := GetClient()
	if err != nil {
		log.Printf("初始化分布式锁失败: %v", err)
		return
	}

	pool := goredis.NewPool(client)
	rs = redsync.New(pool)
	log.Println("分布式锁初始化成功")
}

// GetLockService 获取分布式锁服务实例。模拟模式下返回nil，调用方跳过加锁。
func GetLockService() *DistributedLockService {
	if rs == nil {
		InitDistLock()
	}
	if rs == nil {
		return nil
	}
	return &DistributedLockService{rs: rs}
}

// PollLockName 投票级互斥锁的键名
func PollLockName(pollID int64) string {
	return fmt.Sprintf("poll:mutate:%d", pollID)
}

// AcquireLock 尝试获取锁，带有超时时间
func (s *DistributedLockService) AcquireLock(lockName string, expiry time.Duration) (*redsync.Mutex, bool, error) {
	mutex := s.rs.NewMutex(lockName,
		redsync.WithExpiry(expiry),
		redsync.WithTries(5),
		redsync.WithRetryDelay(50*time.Millisecond),
		redsync.WithDriftFactor(0.01),
	)

	if err := mutex.Lock(); err != nil {
		return nil, false, err
	}
	return mutex, true, nil
}

// ReleaseLock 释放锁
func (s *DistributedLockService) ReleaseLock(mutex *redsync.Mutex) (bool, error) {
	return mutex.Unlock()
}

// WithLock 在锁内执行操作
func (s *DistributedLockService) WithLock(lockName string, expiry time.Duration, action func() error) error {
	mutex, acquired, err := s.AcquireLock(lockName, expiry)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockNotAcquired
	}

	defer func() {
		_, _ = s.ReleaseLock(mutex)
	}()

	return action()
}

// WithPollLock 对指定投票加互斥后执行action。锁服务不可用时直接执行。
func WithPollLock(pollID int64, action func() error) error {
	svc := GetLockService()
	if svc == nil {
		return action()
	}
	return svc.WithLock(PollLockName(pollID), 5*time.Second, action)
}
