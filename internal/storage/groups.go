package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

// CreateGroup creates a group conversation owned by ownerID with the given
// members. The owner is always included in the membership regardless of the
// provided list. Returns the new group id.
func (c *Cluster) CreateGroup(ctx context.Context, title string, ownerID int64, memberIDs []int64) (int64, error) {
	c.logger.Debugf("Creating group (%s) owned by user %d with members %v", title, ownerID, memberIDs)

	tx, err := c.primary().Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(context.Background())

	var id int64
	sql := "insert into conversations (is_group, name, owner_id, created_at) values (true, $1, $2, $3) returning id"
	if err := tx.QueryRow(ctx, sql, title, ownerID, time.Now()).Scan(&id); err != nil {
		return 0, err
	}

	seen := map[int64]bool{ownerID: true}
	rows := []memberRow{{conversationID: id, userID: ownerID}}
	for _, m := range memberIDs {
		if seen[m] {
			continue
		}
		seen[m] = true
		rows = append(rows, memberRow{conversationID: id, userID: m})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"conversation_members"}, []string{"conversation_id", "user_id"}, copyFromMembers(rows))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	c.logger.Debugf("Created group (%s) with id %d", title, id)

	return id, nil
}

// GroupByID returns the group conversation record.
func (c *Cluster) GroupByID(ctx context.Context, groupID int64) (Group, error) {
	var g Group
	sql := "select id, name, owner_id, coalesce(avatar, ''::bytea) from conversations where id = $1 and is_group = true"
	err := c.primary().QueryRow(ctx, sql, groupID).Scan(&g.ID, &g.Title, &g.OwnerID, &g.Avatar)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrGroupNotFound
		}
		return Group{}, err
	}

	return g, nil
}

// GroupByTitle resolves a group by exact title. The title must match exactly
// one group, otherwise the join-by-name request is rejected.
func (c *Cluster) GroupByTitle(ctx context.Context, title string) (Group, error) {
	sql := "select id, name, owner_id, coalesce(avatar, ''::bytea) from conversations where name = $1 and is_group = true"

	rows, err := c.primary().Query(ctx, sql, title)
	if err != nil {
		return Group{}, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title, &g.OwnerID, &g.Avatar); err != nil {
			return Group{}, err
		}
		groups = append(groups, g)
	}

	if rows.Err() != nil {
		return Group{}, rows.Err()
	}

	switch len(groups) {
	case 0:
		return Group{}, ErrGroupNotFound
	case 1:
		return groups[0], nil
	default:
		return Group{}, ErrGroupNameAmbiguous
	}
}

// IsMember reports whether a user belongs to a conversation.
func (c *Cluster) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var i int8
	sql := "select 1 from conversation_members where conversation_id = $1 and user_id = $2"
	err := c.primary().QueryRow(ctx, sql, conversationID, userID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// GroupMembers returns every member of a group with usernames resolved.
func (c *Cluster) GroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	sql := `select array_agg(jsonb_build_object('user_id', u.id, 'username', u.username))
			  from conversation_members cm
			  join users u on u.id = cm.user_id
			 where cm.conversation_id = $1`

	var agg pgtype.JSONBArray
	if err := c.primary().QueryRow(ctx, sql, groupID).Scan(&agg); err != nil {
		return nil, err
	}

	if agg.Status != pgtype.Present {
		return nil, ErrGroupNotFound
	}

	membersJSON := make([]string, len(agg.Elements))
	if err := agg.AssignTo(&membersJSON); err != nil {
		return nil, err
	}

	members := make([]GroupMember, len(membersJSON))
	for i, v := range membersJSON {
		if err := json.Unmarshal([]byte(v), &members[i]); err != nil {
			return nil, err
		}
	}

	return members, nil
}

// AddMember adds a user to a group. Adding an existing member is a Conflict.
func (c *Cluster) AddMember(ctx context.Context, groupID, userID int64) error {
	c.logger.Debugf("Adding user %d to group %d", userID, groupID)

	sql := "insert into conversation_members (conversation_id, user_id) values ($1, $2)"
	_, err := c.primary().Exec(ctx, sql, groupID, userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return ErrAlreadyMember
			}
		}
		return err
	}

	return nil
}

// LeaveGroup removes a member from a group. The owner can never leave; any
// other member may leave freely.
func (c *Cluster) LeaveGroup(ctx context.Context, groupID, userID int64) error {
	g, err := c.GroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if g.OwnerID == userID {
		return ErrOwnerLeave
	}

	tag, err := c.primary().Exec(ctx, "delete from conversation_members where conversation_id = $1 and user_id = $2", groupID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}

	return nil
}

// DeleteGroup deletes a group and everything belonging to it: messages on the
// owning message partition first, then membership and the conversation row on
// the primary partition. Only the owner may delete. The cross-partition steps
// are not atomic; a crash in between leaves orphaned metadata, which is
// accepted.
func (c *Cluster) DeleteGroup(ctx context.Context, groupID, requesterID int64) error {
	g, err := c.GroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if g.OwnerID != requesterID {
		return ErrNotOwner
	}

	c.logger.Debugf("Deleting group %d and its messages", groupID)

	if _, err := c.messagePool(groupID).Exec(ctx, "delete from messages where conversation_id = $1", groupID); err != nil {
		return err
	}

	return c.deleteConversationMeta(ctx, groupID)
}

// UpdateGroupAvatar replaces a group's inline avatar blob.
func (c *Cluster) UpdateGroupAvatar(ctx context.Context, groupID int64, avatar []byte) error {
	tag, err := c.primary().Exec(ctx, "update conversations set avatar = $1 where id = $2 and is_group = true", avatar, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGroupNotFound
	}

	return nil
}

// GroupsForUser lists the groups a user belongs to, newest first.
func (c *Cluster) GroupsForUser(ctx context.Context, userID int64) ([]Group, error) {
	c.logger.Debugf("Retrieving groups for user (id: %d)", userID)

	sql := `select c.id, c.name, c.owner_id, coalesce(c.avatar, ''::bytea)
			  from conversations c
			  join conversation_members cm on cm.conversation_id = c.id
			 where c.is_group = true and cm.user_id = $1
			 order by c.id desc`

	rows, err := c.primary().Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title, &g.OwnerID, &g.Avatar); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return groups, nil
}
