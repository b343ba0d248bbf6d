// Package stats records group and friend membership events and answers the
// counter commands.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"qqbot/pkg/channel/qq"
	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
	store "qqbot/pkg/stats"
)

const (
	Kind = "stats"

	CommandGroupSummary  = "/群聊统计"
	CommandFriendSummary = "/单聊统计"
	CommandGroupList     = "/群聊总数"
	CommandFriendList    = "/用户总数"
)

func init() {
	registry.Register(Kind, New)
}

type Settings struct {
	DBPath   string `yaml:"db_path"`
	PageSize int    `yaml:"page_size"`
}

type Handler struct {
	settings Settings
	store    *store.Store
	log      *slog.Logger
}

func New(_ context.Context, manifest registry.Manifest) (handler.Handler, error) {
	settings := Settings{DBPath: "data/stats.db", PageSize: store.DefaultPageSize}
	if err := manifest.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	if strings.TrimSpace(settings.DBPath) == "" {
		return nil, errors.New("settings.db_path is required")
	}
	if settings.PageSize <= 0 {
		settings.PageSize = store.DefaultPageSize
	}

	return &Handler{
		settings: settings,
		log:      slog.Default().With("component", "plugins.stats", "unit", manifest.Name),
	}, nil
}

func (h *Handler) Description() string {
	return "group and friend membership counters"
}

func (h *Handler) OnLoad(context.Context) error {
	s, err := store.Open(h.settings.DBPath, h.log)
	if err != nil {
		return err
	}
	h.store = s
	return nil
}

func (h *Handler) OnUnload(context.Context) error {
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}

func (h *Handler) HandleEvent(ctx context.Context, kind handler.EventKind, payload json.RawMessage) error {
	switch kind {
	case handler.EventGroupAddRobot, handler.EventGroupDelRobot:
		var p qq.GroupMemberPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if p.GroupOpenID == "" {
			return fmt.Errorf("decode %s: group_openid missing", kind)
		}
		action := store.ActionJoined
		if kind == handler.EventGroupDelRobot {
			action = store.ActionLeft
		}
		return h.store.RecordGroup(ctx, p.GroupOpenID, p.OpMemberOpenID, action)

	case handler.EventFriendAdd, handler.EventFriendDel:
		var p qq.FriendPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if p.OpenID == "" {
			return fmt.Errorf("decode %s: openid missing", kind)
		}
		action := store.ActionAdded
		if kind == handler.EventFriendDel {
			action = store.ActionRemoved
		}
		return h.store.RecordFriend(ctx, p.OpenID, action)
	}

	return nil
}

func (h *Handler) HandleCommand(ctx context.Context, text string, _ handler.CommandContext) (handler.Reply, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return handler.NoReply, nil
	}

	command := fields[0]
	switch command {
	case CommandGroupSummary:
		summary, err := h.store.GroupSummary(ctx)
		if err != nil {
			return handler.NoReply, err
		}
		return handler.Text(fmt.Sprintf("👥 群聊统计概览\n▫️ 当前群聊数量: %d\n▫️ 已退出群聊: %d\n▫️ 累计记录群聊: %d",
			summary.Current(), summary.Inactive, summary.Active+summary.Inactive)), nil

	case CommandFriendSummary:
		summary, err := h.store.FriendSummary(ctx)
		if err != nil {
			return handler.NoReply, err
		}
		return handler.Text(fmt.Sprintf("💬 好友统计概览\n▫️ 当前好友数量: %d\n▫️ 已删除好友: %d\n▫️ 累计记录好友: %d",
			summary.Current(), summary.Inactive, summary.Active+summary.Inactive)), nil

	case CommandGroupList, CommandFriendList:
		page := 1
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return handler.Text("⚠️ 页码必须是大于0的整数"), nil
			}
			page = max(n, 1)
		}
		return h.list(ctx, command, page)
	}

	return handler.NoReply, nil
}

func (h *Handler) list(ctx context.Context, command string, page int) (handler.Reply, error) {
	var (
		result                 store.Page
		err                    error
		empty, totalLabel, hdr string
	)
	if command == CommandGroupList {
		result, err = h.store.Groups(ctx, page, h.settings.PageSize)
		empty, totalLabel, hdr = "当前没有加入任何群聊", "当前群聊总数", "最近活跃群组ID："
	} else {
		result, err = h.store.Friends(ctx, page, h.settings.PageSize)
		empty, totalLabel, hdr = "当前没有好友", "当前好友总数", "最近添加好友ID："
	}
	if err != nil {
		return handler.NoReply, err
	}
	if result.Total == 0 {
		return handler.Text(empty), nil
	}

	lines := []string{
		fmt.Sprintf("📌 %s: %d", totalLabel, result.Total),
		fmt.Sprintf("📖 第 %d/%d 页（每页显示%d个）", result.Page, result.Pages, h.settings.PageSize),
		hdr,
	}
	offset := (result.Page - 1) * h.settings.PageSize
	for i, entry := range result.Entries {
		lines = append(lines, fmt.Sprintf("%d. %s (%s)", offset+i+1, entry.ID, entry.Time().Format("2006-01-02")))
	}

	return handler.Text(strings.Join(lines, "\n")), nil
}
