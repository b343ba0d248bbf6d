package basic

import (
	"context"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"qqbot/pkg/handler"
	"qqbot/pkg/registry"
)

func newHandler(t *testing.T, settings string) *Handler {
	t.Helper()

	manifest := registry.Manifest{Kind: Kind, Name: "basic"}
	if settings != "" {
		var doc yaml.Node
		if err := yaml.Unmarshal([]byte(settings), &doc); err != nil {
			t.Fatalf("parse settings: %v", err)
		}
		manifest.Settings = *doc.Content[0]
	}

	h, err := New(context.Background(), manifest)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return h.(*Handler)
}

func TestHelp(t *testing.T) {
	t.Parallel()

	reply, err := newHandler(t, "").HandleCommand(context.Background(), CommandHelp, handler.CommandContext{})
	if err != nil {
		t.Fatalf("HandleCommand error: %v", err)
	}
	if !strings.Contains(reply.String(), "/运行状态") || !strings.Contains(reply.String(), "/群聊总数") {
		t.Fatalf("help = %q, want command list", reply)
	}
}

func TestHelpOverride(t *testing.T) {
	t.Parallel()

	reply, _ := newHandler(t, "help: custom menu\n").HandleCommand(context.Background(), CommandHelp, handler.CommandContext{})
	if reply.String() != "custom menu" {
		t.Fatalf("help = %q, want custom menu", reply)
	}
}

func TestGetID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cc   handler.CommandContext
		want string
	}{
		{name: "group", cc: handler.CommandContext{GroupID: "g1", MemberID: "m1"}, want: "群组ID: g1\n成员ID: m1"},
		{name: "direct", cc: handler.CommandContext{UserID: "u1"}, want: "用户ID: u1"},
		{name: "none", cc: handler.CommandContext{}, want: "未获取到ID信息"},
	}

	h := newHandler(t, "")
	for _, tc := range tests {
		reply, err := h.HandleCommand(context.Background(), CommandGetID, tc.cc)
		if err != nil {
			t.Fatalf("%s: HandleCommand error: %v", tc.name, err)
		}
		if reply.String() != tc.want {
			t.Fatalf("%s: reply = %q, want %q", tc.name, reply, tc.want)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	reply, err := newHandler(t, "").HandleCommand(context.Background(), "/nope", handler.CommandContext{})
	if err != nil || reply.Present() {
		t.Fatalf("reply = (%q, %v), want none", reply, err)
	}
}

func TestRegisteredInDefaultCatalog(t *testing.T) {
	t.Parallel()

	for _, kind := range registry.DefaultCatalog.Kinds() {
		if kind == Kind {
			return
		}
	}
	t.Fatalf("kind %q not registered", Kind)
}
