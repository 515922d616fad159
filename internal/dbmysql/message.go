package dbmysql

import (
	"time"
)

// Message is the row behind a chat message. Reads go through
// idx_conv_created, unread badges through idx_receiver_unread.
type Message struct {
	ID              string     `gorm:"primaryKey;size:36"`
	ConversationID  string     `gorm:"size:160;not null;index:idx_conv_created,priority:1;uniqueIndex:idx_conv_client,priority:1"`
	SenderID        string     `gorm:"size:64;not null;uniqueIndex:idx_conv_client,priority:2"`
	SenderRole      string     `gorm:"size:16;not null;uniqueIndex:idx_conv_client,priority:3"`
	ReceiverID      string     `gorm:"size:64;not null;index:idx_receiver_unread,priority:1"`
	ReceiverRole    string     `gorm:"size:16;not null;index:idx_receiver_unread,priority:2"`
	Content         string     `gorm:"type:text;not null"`
	AttachmentRef   *string    `gorm:"size:256"`
	ClientMessageID *string    `gorm:"size:64;uniqueIndex:idx_conv_client,priority:4"`
	IsRead          bool       `gorm:"not null;default:false;index:idx_receiver_unread,priority:3"`
	ReadAt          *time.Time `gorm:"type:datetime(6)"`
	CreatedAt       time.Time  `gorm:"type:datetime(6);not null;index:idx_conv_created,priority:2"`
}

func (Message) TableName() string {
	return "messages"
}
