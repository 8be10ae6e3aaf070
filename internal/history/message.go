package history

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is one conversation, bound to the model it was started with.
type Session struct {
	ID        int64     `json:"id"`
	ModelName string    `json:"model_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Message represents a single conversational turn persisted in SQLite.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is a message joined with the model name of its session.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ModelName string    `json:"model_name"`
}
