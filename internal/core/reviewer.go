package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/internal/metrics"
	"pasarguard/plane/pkg/logger"

	"go.uber.org/zap"
)

// reviewStore 审查循环的持久化依赖
type reviewStore interface {
	UsersByStatus(statuses ...string) ([]*dbinit.User, error)
	UpdateUserStatus(id int64, status string, changedAt time.Time) error
	ActivateOnHoldUser(id int64, expire time.Time, changedAt time.Time) error
	ResetUserByNext(user *dbinit.User, dataLimit int64, expire *time.Time, groupIDs []int64, changedAt time.Time) error
	InsertReminder(userID int64, reminderType string, threshold int) (bool, error)
}

// userBroadcaster 审查结论的舰队出口
type userBroadcaster interface {
	UpdateUser(ctx context.Context, user *dbinit.User)
	RemoveUser(ctx context.Context, user *dbinit.User)
}

// ReviewerOptions 审查参数
type ReviewerOptions struct {
	Interval           time.Duration // 每个审查任务的周期
	UsagePercentNotify []int         // 用量百分比通知阈值
	DaysLeftNotify     []int         // 剩余天数通知阈值
}

// UserReviewer 周期性审查用户状态。
// 五个任务共用一个周期、错峰启动：过期、限量、on-hold 激活、
// 用量百分比提醒、剩余天数提醒。
type UserReviewer struct {
	db        reviewStore
	broadcast userBroadcaster
	bus       *EventBus
	opts      ReviewerOptions

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewUserReviewer 创建审查器
func NewUserReviewer(db reviewStore, broadcast userBroadcaster, bus *EventBus, opts ReviewerOptions) *UserReviewer {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &UserReviewer{
		db:        db,
		broadcast: broadcast,
		bus:       bus,
		opts:      opts,
		stopChan:  make(chan struct{}),
	}
}

// Start 错峰启动五个审查任务
func (r *UserReviewer) Start() {
	jobs := []struct {
		name string
		run  func(context.Context)
	}{
		{"expired", r.ReviewExpired},
		{"limited", r.ReviewLimited},
		{"on_hold", r.ReviewOnHold},
		{"usage_percent", r.RemindUsagePercent},
		{"days_left", r.RemindDaysLeft},
	}

	stagger := r.opts.Interval / time.Duration(len(jobs))
	for i, job := range jobs {
		r.wg.Add(1)
		go r.loop(time.Duration(i)*stagger, job.name, job.run)
	}

	logger.Info("用户审查已启动", zap.Duration("interval", r.opts.Interval))
}

// Stop 停止审查任务
func (r *UserReviewer) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *UserReviewer) loop(delay time.Duration, name string, run func(context.Context)) {
	defer r.wg.Done()

	select {
	case <-time.After(delay):
	case <-r.stopChan:
		return
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	run(context.Background())
	for {
		select {
		case <-ticker.C:
			run(context.Background())
		case <-r.stopChan:
			return
		}
	}
}

// ReviewExpired 把已过期的 active 用户转为 expired，或应用下一套餐
func (r *UserReviewer) ReviewExpired(ctx context.Context) {
	users, err := r.db.UsersByStatus(dbinit.UserActive)
	if err != nil {
		logger.Error("枚举用户失败", zap.Error(err))
		return
	}

	now := time.Now()
	active := 0
	for _, user := range users {
		if !user.IsExpired(now) {
			active++
			continue
		}
		if user.NextPlan != nil {
			r.applyNextPlan(ctx, user, now)
			continue
		}
		r.demote(ctx, user, dbinit.UserExpired, now)
	}

	metrics.UsersByStatus.WithLabelValues(dbinit.UserActive).Set(float64(active))
}

// ReviewLimited 把流量用尽的 active 用户转为 limited，或应用下一套餐
func (r *UserReviewer) ReviewLimited(ctx context.Context) {
	users, err := r.db.UsersByStatus(dbinit.UserActive)
	if err != nil {
		logger.Error("枚举用户失败", zap.Error(err))
		return
	}

	now := time.Now()
	for _, user := range users {
		if !user.IsLimited() {
			continue
		}
		if user.NextPlan != nil {
			r.applyNextPlan(ctx, user, now)
			continue
		}
		r.demote(ctx, user, dbinit.UserLimited, now)
	}
}

// demote 降级用户状态并从舰队移除
func (r *UserReviewer) demote(ctx context.Context, user *dbinit.User, status string, now time.Time) {
	if err := r.db.UpdateUserStatus(user.ID, status, now); err != nil {
		logger.Error("用户状态更新失败",
			zap.Int64("userID", user.ID),
			zap.String("status", status),
			zap.Error(err))
		return
	}
	user.Status = status

	r.broadcast.RemoveUser(ctx, user)
	r.bus.Publish(Event{
		Kind:      EventUserStatusChange,
		SubjectID: user.ID,
		Subject:   user.Username,
		Detail:    status,
		At:        now,
	})

	logger.Info("用户已降级",
		zap.Int64("userID", user.ID),
		zap.String("username", user.Username),
		zap.String("status", status))
}

// applyNextPlan 应用下一套餐：新上限为套餐上限叠加可选的剩余流量，
// 负结果按零处理；有效时长为零时保持原过期时间。
func (r *UserReviewer) applyNextPlan(ctx context.Context, user *dbinit.User, now time.Time) {
	plan := user.NextPlan

	newLimit := plan.DataLimit
	if plan.AddRemainingTraffic {
		if remaining := user.DataLimit - user.UsedTraffic; remaining > 0 {
			newLimit += remaining
		}
	}
	if newLimit < 0 {
		newLimit = 0
	}

	expire := user.Expire
	if plan.ExpireDuration > 0 {
		t := now.Add(time.Duration(plan.ExpireDuration) * time.Second)
		expire = &t
	}

	groupIDs := parseGroupIDs(plan.GroupIDs)

	if err := r.db.ResetUserByNext(user, newLimit, expire, groupIDs, now); err != nil {
		logger.Error("应用下一套餐失败",
			zap.Int64("userID", user.ID),
			zap.Error(err))
		return
	}

	user.Status = dbinit.UserActive
	user.UsedTraffic = 0
	user.DataLimit = newLimit
	user.Expire = expire
	user.NextPlan = nil

	r.broadcast.UpdateUser(ctx, user)
	r.bus.Publish(Event{
		Kind:      EventDataResetByNext,
		SubjectID: user.ID,
		Subject:   user.Username,
		Detail:    fmt.Sprintf("data_limit=%d", newLimit),
		At:        now,
	})

	logger.Info("已应用下一套餐",
		zap.Int64("userID", user.ID),
		zap.String("username", user.Username),
		zap.Int64("dataLimit", newLimit))
}

// ReviewOnHold 激活已出现在线行为或计时器已到的 on-hold 用户
func (r *UserReviewer) ReviewOnHold(ctx context.Context) {
	users, err := r.db.UsersByStatus(dbinit.UserOnHold)
	if err != nil {
		logger.Error("枚举用户失败", zap.Error(err))
		return
	}

	now := time.Now()
	for _, user := range users {
		if !user.BecomeOnline(now) {
			continue
		}

		expire := now.Add(time.Duration(user.OnHoldExpireDuration) * time.Second)
		if err := r.db.ActivateOnHoldUser(user.ID, expire, now); err != nil {
			logger.Error("on-hold 激活失败",
				zap.Int64("userID", user.ID),
				zap.Error(err))
			continue
		}

		user.Status = dbinit.UserActive
		user.Expire = &expire
		user.OnHoldExpireDuration = 0
		user.OnHoldTimeout = nil

		r.broadcast.UpdateUser(ctx, user)
		r.bus.Publish(Event{
			Kind:      EventUserStatusChange,
			SubjectID: user.ID,
			Subject:   user.Username,
			Detail:    dbinit.UserActive,
			At:        now,
		})

		logger.Info("on-hold 用户已激活",
			zap.Int64("userID", user.ID),
			zap.String("username", user.Username),
			zap.Time("expire", expire))
	}
}

// RemindUsagePercent 用量越过阈值时发一次提醒（按阈值幂等）
func (r *UserReviewer) RemindUsagePercent(ctx context.Context) {
	if len(r.opts.UsagePercentNotify) == 0 {
		return
	}

	users, err := r.db.UsersByStatus(dbinit.UserActive)
	if err != nil {
		logger.Error("枚举用户失败", zap.Error(err))
		return
	}

	for _, user := range users {
		if user.DataLimit <= 0 {
			continue
		}
		percent := user.UsagePercent()

		for _, threshold := range r.opts.UsagePercentNotify {
			if percent < threshold {
				continue
			}
			r.remind(user, dbinit.ReminderUsagePercent, threshold)
		}
	}
}

// RemindDaysLeft 剩余天数落入阈值内时发一次提醒（按阈值幂等）
func (r *UserReviewer) RemindDaysLeft(ctx context.Context) {
	if len(r.opts.DaysLeftNotify) == 0 {
		return
	}

	users, err := r.db.UsersByStatus(dbinit.UserActive)
	if err != nil {
		logger.Error("枚举用户失败", zap.Error(err))
		return
	}

	now := time.Now()
	for _, user := range users {
		days := user.DaysLeft(now)
		if days < 0 {
			continue
		}

		for _, threshold := range r.opts.DaysLeftNotify {
			if days > threshold {
				continue
			}
			r.remind(user, dbinit.ReminderDaysLeft, threshold)
		}
	}
}

// remind 插入幂等标记，首次越过时才发布事件
func (r *UserReviewer) remind(user *dbinit.User, reminderType string, threshold int) {
	inserted, err := r.db.InsertReminder(user.ID, reminderType, threshold)
	if err != nil {
		logger.Error("提醒标记写入失败",
			zap.Int64("userID", user.ID),
			zap.String("type", reminderType),
			zap.Error(err))
		return
	}
	if !inserted {
		return
	}

	r.bus.Publish(Event{
		Kind:      EventReminder,
		SubjectID: user.ID,
		Subject:   user.Username,
		Detail:    fmt.Sprintf("%s:%d", reminderType, threshold),
		At:        time.Now(),
	})
}

// parseGroupIDs 解析JSON数组形式的组ID列表
func parseGroupIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
