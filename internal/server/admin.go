package server

import (
	"context"

	"chat-backend/internal/storage"

	"github.com/valyala/fastjson"
)

// Admin actions ride the same protocol with no separate authentication; the
// deployment is expected to keep the admin surface off untrusted networks.

func (h *handler) broadcast(_ context.Context, c *client, data *fastjson.Value) {
	message := string(data.GetStringBytes("message"))

	online := h.registry.Snapshot()
	for _, peer := range online {
		peer.send("server_broadcast", payload{"message": message})
	}

	c.send("broadcast_result", payload{"ok": true, "delivered": len(online)})
}

func (h *handler) broadcastUser(_ context.Context, c *client, data *fastjson.Value) {
	username := str(data, "username")
	message := string(data.GetStringBytes("message"))

	peer, online := h.registry.Lookup(username)
	if !online {
		c.send("admin_broadcast_user_result", failure("User is not online"))
		return
	}

	peer.send("server_broadcast", payload{"message": message})
	c.send("admin_broadcast_user_result", payload{"ok": true, "username": username})
}

func (h *handler) adminKick(_ context.Context, c *client, data *fastjson.Value) {
	username := str(data, "username")

	peer, online := h.registry.Lookup(username)
	if !online {
		c.send("admin_kick_result", failure("User is not online"))
		return
	}

	peer.send("kicked", payload{"reason": "kicked by administrator"})
	peer.shutdown()

	h.logger.Infof("User %s kicked by connection %s", username, c.id)

	c.send("admin_kick_result", payload{"ok": true, "username": username})
}

func (h *handler) adminBan(ctx context.Context, c *client, data *fastjson.Value) {
	username := str(data, "username")

	if err := h.store.SetBanned(ctx, username, true); err != nil {
		if err == storage.ErrUserNotFound {
			c.send("admin_ban_result", failure("User not found"))
			return
		}
		h.internalError(c, "admin_ban_result", err)
		return
	}

	// a banned user loses any live session immediately
	if peer, online := h.registry.Lookup(username); online {
		peer.send("kicked", payload{"reason": "account banned"})
		peer.shutdown()
	}

	h.logger.Infof("User %s banned by connection %s", username, c.id)

	c.send("admin_ban_result", payload{"ok": true, "username": username})
}

func (h *handler) adminUnban(ctx context.Context, c *client, data *fastjson.Value) {
	username := str(data, "username")

	if err := h.store.SetBanned(ctx, username, false); err != nil {
		if err == storage.ErrUserNotFound {
			c.send("admin_unban_result", failure("User not found"))
			return
		}
		h.internalError(c, "admin_unban_result", err)
		return
	}

	c.send("admin_unban_result", payload{"ok": true, "username": username})
}

func (h *handler) adminOnlineUsers(ctx context.Context, c *client, _ *fastjson.Value) {
	items := make([]payload, 0)
	for username, peer := range h.registry.Snapshot() {
		item := payload{
			"username": username,
			"ip":       peer.remoteAddr(),
		}
		// display name comes from the user record; the peer's identity fields
		// belong to its own handler goroutine and are not read here
		if user, err := h.store.UserByUsername(ctx, username); err == nil {
			item["display_name"] = user.DisplayName
			item["banned"] = user.Banned
		}
		items = append(items, item)
	}

	c.send("admin_online_users", payload{"ok": true, "users": items})
}
