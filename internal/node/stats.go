package node

import (
	"strconv"
	"strings"
)

// ParseUserStat 解析按用户计数器名 "<uid>.<user>.<protocol>.<direction>"，
// 返回用户ID。格式不符时 ok 为 false。
func ParseUserStat(name string) (userID int64, ok bool) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) < 2 {
		return 0, false
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

// FoldUserStats 把一批按用户的读数按用户ID求和。
// 零值条目跳过；无法解析的条目忽略。
func FoldUserStats(entries []StatEntry) map[int64]int64 {
	totals := make(map[int64]int64)
	for _, entry := range entries {
		if entry.Value == 0 {
			continue
		}
		userID, ok := ParseUserStat(entry.Name)
		if !ok {
			continue
		}
		totals[userID] += int64(entry.Value)
	}
	return totals
}

// FoldOutboundStats 把一批按出站的读数折叠为 (uplink, downlink) 合计。
func FoldOutboundStats(entries []StatEntry) (uplink, downlink int64) {
	for _, entry := range entries {
		if entry.Value == 0 {
			continue
		}
		switch entry.Link {
		case LinkUplink:
			uplink += int64(entry.Value)
		case LinkDownlink:
			downlink += int64(entry.Value)
		}
	}
	return uplink, downlink
}
