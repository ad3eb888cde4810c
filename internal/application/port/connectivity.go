package port

// Connectivity 网络可达性信号
type Connectivity interface {
	Online() bool
	// Subscribe 状态变化时回调，返回退订函数
	Subscribe(fn func(online bool)) (unsubscribe func())
}
