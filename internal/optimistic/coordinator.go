package optimistic

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/community-realtime/internal/repository"
	"github.com/d60-Lab/community-realtime/pkg/logger"
)

// Mutation 乐观变更的统一契约：like / reaction / read-receipt
// 都走同一套 apply / confirm / rollback 流程。
type Mutation interface {
	Key() Key
	// Current 变更前的关系存在性
	Current() bool
	// Desired 提议的关系存在性
	Desired() bool
	// Execute 权威写入；唯一约束冲突以 repository.ErrConflict 返回
	Execute(ctx context.Context) error
}

// Coordinator 乐观变更协调器。
// Apply 立即返回本地可见的新值（由调用方即时渲染），并发起权威写入；
// 成功置 confirmed，失败计算逆向修正并置 rolled-back。
// 冲突（唯一约束）意味着目标状态已存在，静默收敛而非报错。
type Coordinator struct {
	reg      *Registry
	deadline time.Duration
}

func NewCoordinator(reg *Registry, writeDeadline time.Duration) *Coordinator {
	if writeDeadline <= 0 {
		writeDeadline = 5 * time.Second
	}
	return &Coordinator{reg: reg, deadline: writeDeadline}
}

// Registry 返回共享的待决操作注册表（聚合器据此识别确认事件）
func (c *Coordinator) Registry() *Registry { return c.reg }

// Apply 发起乐观变更。该键已有在途操作时返回 (nil, false)，调用方忽略本次触发。
// onApply 在操作登记成功后、权威写入启动前同步执行，调用方在其中落本地乐观值；
// 写入 goroutine 晚于 onApply 返回才启动，落定回调不可能先于乐观值生效。
// onResolve 在写入落定后回调（confirmed 或 rolled-back）；
// 写入使用固定期限且不随调用方取消；调用方上下文结束后回调应自行降级为 no-op。
func (c *Coordinator) Apply(ctx context.Context, m Mutation, onApply func(), onResolve func(*Operation)) (*Operation, bool) {
	key := m.Key()
	op, ok := c.reg.Begin(key, m.Current(), m.Desired())
	if !ok {
		return nil, false
	}
	if onApply != nil {
		onApply()
	}

	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deadline)
		defer cancel()

		err := m.Execute(wctx)
		switch {
		case err == nil:
			if done := c.reg.Confirm(key); done != nil && onResolve != nil {
				onResolve(done)
			}
		case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrNotFound):
			// 状态已与目标一致（并发会话先一步），静默收敛
			if done := c.reg.Confirm(key); done != nil && onResolve != nil {
				onResolve(done)
			}
		default:
			done, apply := c.reg.Rollback(key)
			if done == nil {
				return
			}
			if !apply {
				// 更新的外部事件已接管该键，废弃回滚
				logger.Debug("rollback superseded by newer external change",
					zap.String("entity", key.EntityID))
			}
			logger.Warn("optimistic write failed",
				zap.String("entity", key.EntityID), zap.Error(err))
			if onResolve != nil {
				onResolve(done)
			}
		}
	}()
	return op, true
}
