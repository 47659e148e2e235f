package doc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// ErrorKind 错误分类。重试策略由分类驱动，而不是对错误文案做子串匹配。
type ErrorKind int

const (
	// KindConfig 配置缺失/非法。致命，任何后端动数据之前就中止。
	KindConfig ErrorKind = iota
	// KindSourceRead 单个文件不可读或 JSON 非法。记录、跳过、计数，不致命。
	KindSourceRead
	// KindTransient 死锁、连接超时等瞬态后端错误。带退避重试有限次。
	KindTransient
	// KindPermanent schema 不匹配、鉴权失败等永久错误。立即上抛，终止该后端。
	KindPermanent
	// KindCacheCorrupt 缓存产物不可读。按 miss 处理并重算，从不向调用方传播。
	KindCacheCorrupt
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSourceRead:
		return "source_read"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCacheCorrupt:
		return "cache_corrupt"
	default:
		return "unknown"
	}
}

// Error 带分类的错误。
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造分类错误。
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误的分类；未包装的错误按数据库/网络特征推断。
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	// PostgreSQL: 40001 serialization_failure, 40P01 deadlock_detected,
	// 57P03 cannot_connect_now —— 都属于可重试的瞬态冲突。
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "57P03":
			return KindTransient
		case "28000", "28P01", "42P01", "42703":
			// 鉴权失败、表/列不存在：重试无意义。
			return KindPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindPermanent
}

// IsTransient 判断错误是否值得重试。
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
