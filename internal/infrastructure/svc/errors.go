package svc

import "errors"

// ErrNoStoreConfigured 错误：没有配置远端持仓服务地址
var ErrNoStoreConfigured = errors.New("store.base_url is not configured")

// ErrUnknownQueue 错误：离线队列后端不可用
var ErrUnknownQueue = errors.New("offline queue backend unavailable")
