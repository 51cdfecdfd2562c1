package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
)

// NormalizePair orders two user ids ascending so direct-conversation lookup is
// independent of argument order.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// findDirect returns the id of the direct conversation between two users, or 0
// when none exists yet. The normalized pair is stored on the conversation row
// itself and backed by a unique index.
func (c *Cluster) findDirect(ctx context.Context, userA, userB int64) (int64, error) {
	userA, userB = NormalizePair(userA, userB)

	sql := "select id from conversations where is_group = false and direct_a = $1 and direct_b = $2"

	var id int64
	err := c.primary().QueryRow(ctx, sql, userA, userB).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}

	return id, nil
}

// ResolveDirect returns the direct conversation between two users, creating it
// lazily on first use. Repeated calls with either argument order return the
// same id.
func (c *Cluster) ResolveDirect(ctx context.Context, userA, userB int64) (int64, error) {
	existing, err := c.findDirect(ctx, userA, userB)
	if err != nil {
		return 0, err
	}
	if existing != 0 {
		return existing, nil
	}

	userA, userB = NormalizePair(userA, userB)

	c.logger.Debugf("Creating direct conversation for users (%d, %d)", userA, userB)

	tx, err := c.primary().Begin(ctx)
	if err != nil {
		return 0, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	var id int64
	sql := "insert into conversations (is_group, direct_a, direct_b, created_at) values (false, $1, $2, $3) returning id"
	if err := tx.QueryRow(ctx, sql, userA, userB, time.Now()).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// a concurrent first message for the same pair won the insert
			return c.findDirect(ctx, userA, userB)
		}
		return 0, err
	}

	rows := []memberRow{
		{conversationID: id, userID: userA},
		{conversationID: id, userID: userB},
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"conversation_members"}, []string{"conversation_id", "user_id"}, copyFromMembers(rows))
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	c.logger.Debugf("Created direct conversation %d", id)

	return id, nil
}

// DirectPreviews returns one entry per direct conversation of a user with the
// partner's identity and the latest message time, newest first. The partner
// rows come from the primary partition; last message times are merged in from
// every message partition.
func (c *Cluster) DirectPreviews(ctx context.Context, userID int64) ([]ConversationPreview, error) {
	c.logger.Debugf("Retrieving direct conversations for user (id: %d)", userID)

	sql := `select c.id, u.username, u.display_name, coalesce(u.avatar, ''::bytea)
			  from conversations c
			  join conversation_members me
				on me.conversation_id = c.id and me.user_id = $1
			  join conversation_members them
				on them.conversation_id = c.id and them.user_id <> $1
			  join users u on u.id = them.user_id
			 where c.is_group = false`

	rows, err := c.primary().Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var previews []ConversationPreview
	for rows.Next() {
		var p ConversationPreview
		if err := rows.Scan(&p.ConversationID, &p.PartnerUsername, &p.PartnerDisplayName, &p.PartnerAvatar); err != nil {
			return nil, err
		}
		previews = append(previews, p)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	ids := make([]int64, len(previews))
	for i, p := range previews {
		ids[i] = p.ConversationID
	}

	lastTimes, err := c.lastMessageTimes(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i := range previews {
		if t, ok := lastTimes[previews[i].ConversationID]; ok {
			previews[i].LastTime = &t
		}
	}

	sort.Slice(previews, func(i, j int) bool {
		a, b := previews[i].LastTime, previews[j].LastTime
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return previews[i].ConversationID > previews[j].ConversationID
	})

	c.logger.Debugf("Retrieved %d direct conversations", len(previews))

	return previews, nil
}

// lastMessageTimes asks every partition for the newest message timestamp of
// each listed conversation. Each conversation's messages live on exactly one
// partition, so results never conflict.
func (c *Cluster) lastMessageTimes(ctx context.Context, conversationIDs []int64) (map[int64]time.Time, error) {
	times := make(map[int64]time.Time, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return times, nil
	}

	sql := `select conversation_id, max(created_at)
			  from messages
			 where conversation_id = any($1)
			 group by conversation_id`

	for _, pool := range c.partitions {
		rows, err := pool.Query(ctx, sql, conversationIDs)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var id int64
			var t time.Time
			if err := rows.Scan(&id, &t); err != nil {
				rows.Close()
				return nil, err
			}
			times[id] = t
		}

		if rows.Err() != nil {
			rows.Close()
			return nil, rows.Err()
		}
		rows.Close()
	}

	return times, nil
}

// DeleteDirect removes a direct conversation between two users: messages from
// the owning message partition first, then membership and the conversation row
// from the primary partition. The two steps are not atomic; a crash in between
// leaves orphaned metadata, which is accepted.
func (c *Cluster) DeleteDirect(ctx context.Context, userA, userB int64) error {
	id, err := c.findDirect(ctx, userA, userB)
	if err != nil {
		return err
	}
	if id == 0 {
		return ErrConversationMissing
	}

	c.logger.Debugf("Deleting direct conversation %d", id)

	if _, err := c.messagePool(id).Exec(ctx, "delete from messages where conversation_id = $1", id); err != nil {
		return err
	}

	return c.deleteConversationMeta(ctx, id)
}

// deleteConversationMeta removes membership rows and the conversation record
// from the primary partition.
func (c *Cluster) deleteConversationMeta(ctx context.Context, conversationID int64) error {
	tx, err := c.primary().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	if _, err := tx.Exec(ctx, "delete from conversation_members where conversation_id = $1", conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "delete from conversations where id = $1", conversationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
