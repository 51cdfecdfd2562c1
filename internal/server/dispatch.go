package server

import (
	"context"

	"chat-backend/internal/blob"
	"chat-backend/internal/storage"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// handlerFunc processes one request envelope. data is the envelope's data
// object and may be nil when the field is missing; fastjson getters tolerate
// that. Each handler writes its own result envelope and any side-effect
// pushes, and runs to completion before the connection reads the next line.
type handlerFunc func(ctx context.Context, c *client, data *fastjson.Value)

// route pairs an action handler with the action name of its result envelope,
// so pre-handler rejections (not logged in) answer under the same name the
// client is waiting for.
type route struct {
	result string
	fn     handlerFunc
}

type handler struct {
	logger   *zap.SugaredLogger
	store    *storage.Cluster
	blobs    *blob.Store
	registry *Registry
	parsers  fastjson.ParserPool
	routes   map[string]route
}

func newHandler(logger *zap.SugaredLogger, store *storage.Cluster, blobs *blob.Store, registry *Registry) *handler {
	h := &handler{
		logger:   logger,
		store:    store,
		blobs:    blobs,
		registry: registry,
	}

	h.routes = map[string]route{
		// auth
		"register": {"register_result", h.register},
		"login":    {"login_result", h.login},
		"logout":   {"logout_result", h.logout},

		// direct messaging
		"send_text":           {"send_text_result", h.sendText},
		"send_image":          {"send_image_result", h.sendImage},
		"send_file":           {"send_file_result", h.sendFile},
		"load_history":        {"history_result", h.loadHistory},
		"delete_message":      {"delete_result", h.deleteMessage},
		"delete_conversation": {"delete_conversation_result", h.deleteConversation},

		// group messaging
		"create_group":        {"create_group_result", h.createGroup},
		"send_group_text":     {"send_group_text_result", h.sendGroupText},
		"send_group_image":    {"send_group_image_result", h.sendGroupImage},
		"send_group_file":     {"send_group_file_result", h.sendGroupFile},
		"load_group_history":  {"group_history_result", h.loadGroupHistory},
		"add_group_member":    {"add_group_member_result", h.addGroupMember},
		"leave_group":         {"leave_group_result", h.leaveGroup},
		"delete_group":        {"delete_group_result", h.deleteGroup},
		"join_group_by_name":  {"join_group_result", h.joinGroupByName},
		"update_group_avatar": {"update_group_avatar_result", h.updateGroupAvatar},
		"list_groups":         {"groups_result", h.listGroups},

		// directory & metadata
		"list_conversations": {"conversations_result", h.listConversations},
		"search_users":       {"search_users_result", h.searchUsers},
		"update_avatar":      {"update_avatar_result", h.updateAvatar},
		"list_attachments":   {"attachments_result", h.listAttachments},

		// admin sideband
		"broadcast":              {"broadcast_result", h.broadcast},
		"admin_broadcast_user":   {"admin_broadcast_user_result", h.broadcastUser},
		"admin_kick":             {"admin_kick_result", h.adminKick},
		"admin_ban":              {"admin_ban_result", h.adminBan},
		"admin_unban":            {"admin_unban_result", h.adminUnban},
		"admin_get_online_users": {"admin_online_users", h.adminOnlineUsers},
	}

	return h
}

// authExempt lists the actions a connection may issue before a successful
// login. Everything else is rejected up front.
var authExempt = map[string]bool{
	"register": true,
	"login":    true,
}

// dispatch parses one protocol line and runs the matching handler. Lines that
// are not valid JSON or carry no action are dropped silently; the protocol is
// best-effort by design.
func (h *handler) dispatch(ctx context.Context, c *client, line []byte) {
	parser := h.parsers.Get()
	defer h.parsers.Put(parser)

	v, err := parser.ParseBytes(line)
	if err != nil {
		return
	}

	action := string(v.GetStringBytes("action"))
	if action == "" {
		return
	}

	r, ok := h.routes[action]
	if !ok {
		c.send("error", failure("unknown action: "+action))
		return
	}

	if !authExempt[action] && !c.authenticated() {
		c.send(r.result, failure("Not logged in"))
		return
	}

	r.fn(ctx, c, v.Get("data"))
}
