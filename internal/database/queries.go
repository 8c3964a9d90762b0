package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-opschat/internal/types"
)

const (
	channelColumns      = "id, tenant_id, name, description, creator_id, members, is_private, is_starred, last_message_id, last_message_at, created_at, updated_at"
	conversationColumns = "id, participants, participants_key, created_by, last_message_id, last_message_at, archived_by, created_at, updated_at"
	messageColumns      = "id, seq, channel_id, conversation_id, sender_id, content, type, attachments, created_at, edited, edited_at, deleted, deleted_at"

	listChannelsQuery = "SELECT " + channelColumns + " FROM channels " +
		"WHERE (creator_id = $1 OR $1 = ANY(members)) " +
		"AND ($2 = '' OR tenant_id = $2) " +
		"AND ($3 = '' OR strpos(lower(name), lower($3)) > 0) " +
		"AND (NOT $4 OR is_starred) " +
		"ORDER BY COALESCE(last_message_at, created_at) DESC, created_at DESC, id"

	// members keeps its display order; only ids not already present are appended
	addMembersQuery = "UPDATE channels SET members = members || ARRAY(" +
		"SELECT m FROM unnest($2::text[]) WITH ORDINALITY AS t(m, ord) WHERE m <> ALL(members) ORDER BY ord), " +
		"updated_at = $3 WHERE id = $1 RETURNING " + channelColumns

	removeMembersQuery = "UPDATE channels SET members = ARRAY(" +
		"SELECT m FROM unnest(members) WITH ORDINALITY AS t(m, ord) WHERE m <> ALL($2::text[]) ORDER BY ord), " +
		"updated_at = $3 WHERE id = $1 RETURNING " + channelColumns

	unarchiveQuery = "UPDATE conversations SET archived_by = ARRAY(" +
		"SELECT a FROM unnest(archived_by) AS a WHERE a <> ALL($2::text[])), updated_at = $3 " +
		"WHERE id = $1 AND archived_by && $2::text[] RETURNING " + conversationColumns

	listMessagesQuery = "SELECT " + messageColumns + " FROM messages " +
		"WHERE %s = $1 AND NOT deleted ORDER BY created_at DESC, seq DESC LIMIT $2 OFFSET $3"

	countMessagesQuery = "SELECT count(*) FROM messages WHERE %s = $1 AND NOT deleted"
)

type scanner interface {
	Scan(dest ...any) error
}

func rowErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanChannel(s scanner) (Channel, error) {
	var (
		ch     Channel
		lastId sql.NullString
		lastAt sql.NullTime
	)

	err := s.Scan(
		&ch.Id,
		&ch.TenantId,
		&ch.Name,
		&ch.Description,
		&ch.CreatorId,
		pq.Array(&ch.Members),
		&ch.IsPrivate,
		&ch.IsStarred,
		&lastId,
		&lastAt,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return Channel{}, err
	}

	ch.LastMessageId = lastId.String
	ch.LastMessageAt = nullTimePtr(lastAt)
	return ch, nil
}

func scanConversation(s scanner) (Conversation, error) {
	var (
		conv   Conversation
		lastId sql.NullString
		lastAt sql.NullTime
	)

	err := s.Scan(
		&conv.Id,
		pq.Array(&conv.Participants),
		&conv.ParticipantsKey,
		&conv.CreatedBy,
		&lastId,
		&lastAt,
		pq.Array(&conv.ArchivedBy),
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	conv.LastMessageId = lastId.String
	conv.LastMessageAt = nullTimePtr(lastAt)
	return conv, nil
}

func scanMessage(s scanner) (Message, error) {
	var (
		msg            Message
		channelId      sql.NullString
		conversationId sql.NullString
		attachments    []byte
		editedAt       sql.NullTime
		deletedAt      sql.NullTime
	)

	err := s.Scan(
		&msg.Id,
		&msg.Seq,
		&channelId,
		&conversationId,
		&msg.SenderId,
		&msg.Content,
		&msg.Type,
		&attachments,
		&msg.CreatedAt,
		&msg.Edited,
		&editedAt,
		&msg.Deleted,
		&deletedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}

	msg.ChannelId = channelId.String
	msg.ConversationId = conversationId.String
	msg.EditedAt = nullTimePtr(editedAt)
	msg.DeletedAt = nullTimePtr(deletedAt)
	return msg, nil
}

func (db *PgRepository) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, tenant_id, name, email, handle FROM users WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.TenantId, &u.Name, &u.Email, &u.Handle); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgRepository) UpsertUser(ctx context.Context, user User) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (id, tenant_id, name, email, handle) VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, "+
			"email = EXCLUDED.email, handle = EXCLUDED.handle",
		user.Id,
		user.TenantId,
		user.Name,
		user.Email,
		user.Handle,
	)
	return err
}

func (db *PgRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO channels (id, tenant_id, name, description, creator_id, members, is_private, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING "+channelColumns,
		params.Id,
		params.TenantId,
		params.Name,
		params.Description,
		params.CreatorId,
		pq.Array(params.Members),
		params.IsPrivate,
		params.CreatedAt,
	)

	return scanChannel(row)
}

func (db *PgRepository) GetChannel(ctx context.Context, id string) (Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE id = $1 LIMIT 1",
		id,
	)

	ch, err := scanChannel(row)
	return ch, rowErr(err)
}

func (db *PgRepository) ListChannels(ctx context.Context, params ListChannelsParams) ([]Channel, error) {
	rows, err := db.conn.QueryContext(ctx, listChannelsQuery,
		params.UserId,
		params.TenantId,
		params.Search,
		params.StarredOnly,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

func (db *PgRepository) UpdateChannel(ctx context.Context, params UpdateChannelParams) (Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE channels SET name = COALESCE($2, name), description = COALESCE($3, description), "+
			"is_private = COALESCE($4, is_private), members = COALESCE($5, members), updated_at = $6 "+
			"WHERE id = $1 RETURNING "+channelColumns,
		params.Id,
		params.Name,
		params.Description,
		params.IsPrivate,
		pq.Array(params.Members),
		params.UpdatedAt,
	)

	ch, err := scanChannel(row)
	return ch, rowErr(err)
}

func (db *PgRepository) DeleteChannel(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE channel_id = $1", id)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM channels WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	return tx.Commit()
}

func (db *PgRepository) AddChannelMembers(ctx context.Context, id string, userIds []string) (Channel, error) {
	row := db.conn.QueryRowContext(ctx, addMembersQuery, id, pq.Array(userIds), time.Now().UTC())

	ch, err := scanChannel(row)
	return ch, rowErr(err)
}

func (db *PgRepository) RemoveChannelMembers(ctx context.Context, id string, userIds []string) (Channel, error) {
	row := db.conn.QueryRowContext(ctx, removeMembersQuery, id, pq.Array(userIds), time.Now().UTC())

	ch, err := scanChannel(row)
	return ch, rowErr(err)
}

func (db *PgRepository) ToggleChannelStar(ctx context.Context, id string) (Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE channels SET is_starred = NOT is_starred, updated_at = $2 WHERE id = $1 RETURNING "+channelColumns,
		id,
		time.Now().UTC(),
	)

	ch, err := scanChannel(row)
	return ch, rowErr(err)
}

// TouchChannel records the latest message; an older timestamp never
// overwrites a newer one.
func (db *PgRepository) TouchChannel(ctx context.Context, id, messageId string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE channels SET last_message_id = $2, last_message_at = $3 "+
			"WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)",
		id,
		messageId,
		at,
	)

	return err
}

func (db *PgRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO conversations (id, participants, participants_key, created_by, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) ON CONFLICT (participants_key) DO NOTHING RETURNING "+conversationColumns,
		params.Id,
		pq.Array(params.Participants),
		params.ParticipantsKey,
		params.CreatedBy,
		params.CreatedAt,
	)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// lost the race to another creator of the same pair
		existing, err := db.GetConversationByKey(ctx, params.ParticipantsKey)
		return existing, false, err
	}
	if err != nil {
		return Conversation{}, false, err
	}

	return conv, true, nil
}

func (db *PgRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1 LIMIT 1",
		id,
	)

	conv, err := scanConversation(row)
	return conv, rowErr(err)
}

func (db *PgRepository) GetConversationByKey(ctx context.Context, key string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE participants_key = $1 LIMIT 1",
		key,
	)

	conv, err := scanConversation(row)
	return conv, rowErr(err)
}

func (db *PgRepository) ListConversations(ctx context.Context, userId string) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE $1 = ANY(participants) "+
			"ORDER BY COALESCE(last_message_at, created_at) DESC, created_at DESC, id",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

func (db *PgRepository) ArchiveConversation(ctx context.Context, id, userId string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE conversations SET archived_by = array_append(archived_by, $2), updated_at = $3 "+
			"WHERE id = $1 AND NOT ($2 = ANY(archived_by)) RETURNING "+conversationColumns,
		id,
		userId,
		time.Now().UTC(),
	)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// already archived by this user, or missing
		return db.GetConversation(ctx, id)
	}

	return conv, err
}

func (db *PgRepository) UnarchiveConversation(ctx context.Context, id string, userIds []string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx, unarchiveQuery, id, pq.Array(userIds), time.Now().UTC())

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return db.GetConversation(ctx, id)
	}

	return conv, err
}

func (db *PgRepository) TouchConversation(ctx context.Context, id, messageId string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET last_message_id = $2, last_message_at = $3 "+
			"WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)",
		id,
		messageId,
		at,
	)

	return err
}

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	attachments := params.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}

	rawAttachments, err := json.Marshal(attachments)
	if err != nil {
		return Message{}, fmt.Errorf("encode attachments: %w", err)
	}

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (id, channel_id, conversation_id, sender_id, content, type, attachments, created_at) "+
			"VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8) RETURNING "+messageColumns,
		params.Id,
		params.ChannelId,
		params.ConversationId,
		params.SenderId,
		params.Content,
		params.Type,
		rawAttachments,
		params.CreatedAt,
	)

	return scanMessage(row)
}

func (db *PgRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, rowErr(err)
	}

	msgs := []Message{msg}
	if err := db.loadReadReceipts(ctx, msgs); err != nil {
		return Message{}, err
	}

	return msgs[0], nil
}

func (db *PgRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, int, error) {
	column, scopeId := "channel_id", params.ChannelId
	if params.ConversationId != "" {
		column, scopeId = "conversation_id", params.ConversationId
	}

	var total int
	err := db.conn.QueryRowContext(ctx, fmt.Sprintf(countMessagesQuery, column), scopeId).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(listMessagesQuery, column),
		scopeId,
		params.Limit,
		params.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := make([]Message, 0, params.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := db.loadReadReceipts(ctx, messages); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

func (db *PgRepository) loadReadReceipts(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.Id
		index[m.Id] = i
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, user_id, read_at FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at, user_id",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("load read receipts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageId string
			receipt   types.ReadReceipt
		)
		if err := rows.Scan(&messageId, &receipt.UserId, &receipt.ReadAt); err != nil {
			return err
		}
		i := index[messageId]
		messages[i].ReadBy = append(messages[i].ReadBy, receipt)
	}

	return rows.Err()
}

// MarkMessagesRead adds a receipt for every message the user has not read
// yet. The primary key on (message_id, user_id) makes repeated and concurrent
// calls idempotent.
func (db *PgRepository) MarkMessagesRead(ctx context.Context, messageIds []string, userId string, at time.Time) error {
	if len(messageIds) == 0 {
		return nil
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, user_id, read_at) "+
			"SELECT id, $2, $3 FROM unnest($1::text[]) AS id "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		pq.Array(messageIds),
		userId,
		at,
	)

	return err
}

func (db *PgRepository) EditMessage(ctx context.Context, id, content string, at time.Time) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $2, edited = TRUE, edited_at = $3 "+
			"WHERE id = $1 AND NOT deleted RETURNING "+messageColumns,
		id,
		content,
		at,
	)

	return db.finishMessageUpdate(ctx, id, row)
}

func (db *PgRepository) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET deleted = TRUE, deleted_at = $2 "+
			"WHERE id = $1 AND NOT deleted RETURNING "+messageColumns,
		id,
		at,
	)

	return db.finishMessageUpdate(ctx, id, row)
}

func (db *PgRepository) finishMessageUpdate(ctx context.Context, id string, row *sql.Row) (Message, error) {
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := db.conn.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return Message{}, err
		}
		if exists {
			return Message{}, ErrConflict
		}
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}

	msgs := []Message{msg}
	if err := db.loadReadReceipts(ctx, msgs); err != nil {
		return Message{}, err
	}

	return msgs[0], nil
}
