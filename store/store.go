// Package store is the authoritative message/channel store on MySQL.
package store

import (
	"context"
	"database/sql"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chat"
)

const (
	getChannelSQL = "SELECT id,name,description,creator_id FROM channels WHERE id=?"
	getMembersSQL = "SELECT uid FROM channel_members WHERE channel_id=?"
	isMemberSQL   = "SELECT COUNT(uid) FROM channel_members WHERE channel_id=? AND uid=?"

	listMessagesSQL = "SELECT id,channel_id,sender_id,sender_name,content,create_time,update_time " +
		"FROM messages WHERE channel_id=? ORDER BY create_time ASC, id ASC"
	getMessageSQL = "SELECT id,channel_id,sender_id,sender_name,content,create_time,update_time " +
		"FROM messages WHERE channel_id=? AND id=?"
	insertMessageSQL = "INSERT INTO messages (id,channel_id,sender_id,sender_name,content,create_time,update_time) " +
		"VALUES (?,?,?,?,?,?,0)"
	updateMessageSQL = "UPDATE messages SET content=?, update_time=? WHERE channel_id=? AND id=?"
	deleteMessageSQL = "DELETE FROM messages WHERE channel_id=? AND id=?"
)

// IMessageStore is the persistence collaborator behind the HTTP API.
// Lookups return (nil, nil) / (false, nil) when the row does not exist;
// callers map that onto their not-found responses.
type IMessageStore interface {
	GetChannel(ctx context.Context, channelID string) (*chat.Channel, error)
	IsMember(ctx context.Context, channelID, uid string) (bool, error)

	ListMessages(ctx context.Context, channelID string) ([]*chat.Message, error)
	GetMessage(ctx context.Context, channelID, messageID string) (*chat.Message, error)
	CreateMessage(ctx context.Context, channelID, senderID, senderName, content string) (*chat.Message, error)
	UpdateMessage(ctx context.Context, channelID, messageID, content string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) (bool, error)
}

type messageStore struct {
	*sql.DB
}

func NewMessageStore(db *sql.DB) *messageStore {
	return &messageStore{db}
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *messageStore) GetChannel(ctx context.Context, channelID string) (*chat.Channel, error) {
	var ch chat.Channel
	var desc sql.NullString

	row := s.QueryRowContext(ctx, getChannelSQL, channelID)
	if err := row.Scan(&ch.ID, &ch.Name, &desc, &ch.CreatorID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		glog.Errorf("get channel scan err: %v", err)
		return nil, err
	}
	ch.Description = desc.String

	rows, err := s.QueryContext(ctx, getMembersSQL, channelID)
	if err != nil {
		glog.Errorf("get members query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		ch.MemberIDs = append(ch.MemberIDs, uid)
	}
	return &ch, rows.Err()
}

func (s *messageStore) IsMember(ctx context.Context, channelID, uid string) (bool, error) {
	row := s.QueryRowContext(ctx, isMemberSQL, channelID, uid)
	var count int
	if err := row.Scan(&count); err != nil {
		glog.Errorf("is member scan err: %v", err)
		return false, err
	}
	return count > 0, nil
}

func (s *messageStore) ListMessages(ctx context.Context, channelID string) ([]*chat.Message, error) {
	rows, err := s.QueryContext(ctx, listMessagesSQL, channelID)
	if err != nil {
		glog.Errorf("list messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("list messages scan err: %v", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *messageStore) GetMessage(ctx context.Context, channelID, messageID string) (*chat.Message, error) {
	row := s.QueryRowContext(ctx, getMessageSQL, channelID, messageID)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		glog.Errorf("get message scan err: %v", err)
		return nil, err
	}
	return m, nil
}

func (s *messageStore) CreateMessage(ctx context.Context, channelID, senderID, senderName, content string) (*chat.Message, error) {
	m := &chat.Message{
		ChannelID:  channelID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		CreateTime: NowMillis(),
	}

	// retry on the unlikely id collision.
	for i := 0; i < 3; i++ {
		m.ID = NewID()
		_, err := s.ExecContext(ctx, insertMessageSQL,
			m.ID, m.ChannelID, m.SenderID, m.SenderName, m.Content, m.CreateTime)
		if err == nil {
			return m, nil
		}
		if !IsDupKeyError(err) {
			glog.Errorf("insert message exec err: %v", err)
			return nil, err
		}
	}
	return nil, ErrIDCollision
}

func (s *messageStore) UpdateMessage(ctx context.Context, channelID, messageID, content string) (*chat.Message, error) {
	var out *chat.Message

	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := NowMillis()
		if _, err := tx.ExecContext(ctx, updateMessageSQL, content, now, channelID, messageID); err != nil {
			return err
		}

		// RowsAffected cannot distinguish "missing row" from an
		// identical-content update; re-read instead.
		row := tx.QueryRowContext(ctx, getMessageSQL, channelID, messageID)
		m, err := scanMessage(row)
		if err != nil {
			if err == sql.ErrNoRows {
				out = nil
				return nil
			}
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		glog.Errorf("update message err: %v", err)
		return nil, err
	}
	return out, nil
}

func (s *messageStore) DeleteMessage(ctx context.Context, channelID, messageID string) (bool, error) {
	res, err := s.ExecContext(ctx, deleteMessageSQL, channelID, messageID)
	if err != nil {
		glog.Errorf("delete message exec err: %v", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*chat.Message, error) {
	var m chat.Message
	var senderName sql.NullString
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &senderName,
		&m.Content, &m.CreateTime, &m.UpdateTime); err != nil {
		return nil, err
	}
	m.SenderName = senderName.String
	return &m, nil
}
