// Package basic provides the help menu and id lookup commands.
package basic

import (
	"context"
	"log/slog"
	"strings"

	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
)

const (
	Kind = "basic"

	CommandHelp  = "/帮助"
	CommandGetID = "/获取ID"
)

const defaultHelp = `🤖 机器人帮助菜单 📚

▫️ 基础功能
/帮助 - 显示本帮助信息
/运行状态 - 查看系统资源使用情况
/获取ID - 获取当前会话ID

▫️ 统计功能
/群聊统计 - 查看群组变动记录
/单聊统计 - 查看好友变动记录
/群聊总数 [页码] - 查看当前群聊列表
/用户总数 [页码] - 查看当前好友列表`

func init() {
	registry.Register(Kind, New)
}

type Settings struct {
	// Help replaces the built-in help menu.
	Help string `yaml:"help"`
}

type Handler struct {
	help string
	log  *slog.Logger
}

func New(_ context.Context, manifest registry.Manifest) (handler.Handler, error) {
	settings := Settings{Help: defaultHelp}
	if err := manifest.DecodeSettings(&settings); err != nil {
		return nil, err
	}

	return &Handler{
		help: strings.TrimSpace(settings.Help),
		log:  slog.Default().With("component", "plugins.basic", "unit", manifest.Name),
	}, nil
}

func (h *Handler) Description() string {
	return "help menu and session ids"
}

func (h *Handler) OnLoad(context.Context) error {
	h.log.Info("Basic commands loaded")
	return nil
}

func (h *Handler) OnUnload(context.Context) error {
	h.log.Info("Basic commands unloaded")
	return nil
}

func (h *Handler) HandleCommand(_ context.Context, text string, cc handler.CommandContext) (handler.Reply, error) {
	switch text {
	case CommandHelp:
		return handler.Text(h.help), nil
	case CommandGetID:
		return handler.Text(describeIDs(cc)), nil
	default:
		return handler.NoReply, nil
	}
}

func describeIDs(cc handler.CommandContext) string {
	var lines []string
	if cc.GroupID != "" {
		lines = append(lines, "群组ID: "+cc.GroupID)
	}
	if cc.MemberID != "" {
		lines = append(lines, "成员ID: "+cc.MemberID)
	}
	if cc.UserID != "" {
		lines = append(lines, "用户ID: "+cc.UserID)
	}
	if len(lines) == 0 {
		return "未获取到ID信息"
	}
	return strings.Join(lines, "\n")
}
