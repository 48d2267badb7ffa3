package cache

import (
	"sync"
)

// 模拟模式相关变量，Redis不可用时退化为进程内存储
var (
	mockMode  bool
	mockMutex sync.Mutex
	mockData  = make(map[string]string)
)

// MockMode 返回当前是否处于模拟模式
func MockMode() bool {
	return mockMode
}

// ResetMock 清空模拟存储（仅用于测试）
func ResetMock() {
	mockMutex.Lock()
	defer mockMutex.Unlock()
	mockData = make(map[string]string)
}
