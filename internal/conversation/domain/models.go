package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID        string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(255);not null;index:idx_chat_conversations_user_updated,priority:1"`
	Title     *string   `json:"title,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;index:idx_chat_conversations_user_updated,priority:2"`
	Messages  []Message `json:"messages,omitempty" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

func (Conversation) TableName() string { return "chat_conversations" }

// Message is a single metered turn. UserID is nil for system-authored messages.
type Message struct {
	ID             string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(36);not null;index:idx_chat_messages_conversation_created,priority:1"`
	UserID         *string   `json:"user_id,omitempty" gorm:"type:varchar(255)"`
	Role           Role      `json:"role" gorm:"type:varchar(16);not null;check:chk_chat_messages_role,role IN ('user','assistant','system')"`
	Content        string    `json:"content" gorm:"type:text;not null"`
	Tokens         int64     `json:"tokens" gorm:"not null;check:chk_chat_messages_tokens,tokens >= 0"`
	Error          bool      `json:"error" gorm:"not null"`
	CreatedAt      time.Time `json:"created_at" gorm:"not null;index:idx_chat_messages_conversation_created,priority:2"`
}

func (Message) TableName() string { return "chat_messages" }
