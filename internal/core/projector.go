package core

import (
	"encoding/json"
	"fmt"
	"sort"

	dbinit "pasarguard/plane/db/init"
	"pasarguard/plane/internal/node"
)

// UserProjector 把数据库用户投影为下发给节点的载荷
type UserProjector struct {
	configs *ConfigStore
}

// NewUserProjector 创建投影器
func NewUserProjector(configs *ConfigStore) *UserProjector {
	return &UserProjector{configs: configs}
}

// EffectiveInbounds 用户的有效入站集合：
// 非 active/on_hold 用户为空；否则为未停用用户组授予标签的并集，
// 再与舰队当前可用入站求交。结果有序，便于比较。
func (p *UserProjector) EffectiveInbounds(user *dbinit.User) []string {
	if user.Status != dbinit.UserActive && user.Status != dbinit.UserOnHold {
		return nil
	}

	granted := make(map[string]struct{})
	for _, group := range user.Groups {
		if group.Disabled {
			continue
		}
		for _, tag := range group.Tags() {
			granted[tag] = struct{}{}
		}
	}
	if len(granted) == 0 {
		return nil
	}

	active := p.configs.ActiveInbounds()
	out := make([]string, 0, len(granted))
	for tag := range granted {
		if _, ok := active[tag]; ok {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// Payload 构造用户载荷，Name 为ID限定名
func (p *UserProjector) Payload(user *dbinit.User) node.UserPayload {
	return node.UserPayload{
		Name:     QualifiedName(user),
		Proxies:  json.RawMessage(user.Proxies),
		Inbounds: p.EffectiveInbounds(user),
	}
}

// RemovalPayload 移除载荷：入站为空表示从所有入站移除该用户
func (p *UserProjector) RemovalPayload(user *dbinit.User) node.UserPayload {
	return node.UserPayload{
		Name:     QualifiedName(user),
		Proxies:  json.RawMessage(user.Proxies),
		Inbounds: []string{},
	}
}

// QualifiedName 用户的ID限定名 "<id>.<username>"
func QualifiedName(user *dbinit.User) string {
	return fmt.Sprintf("%d.%s", user.ID, user.Username)
}
