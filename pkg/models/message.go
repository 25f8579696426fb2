package models

import "time"

// MessageMeta carries optional structured context on a conversation entry.
type MessageMeta struct {
	Label         string   `json:"label,omitempty"`
	Score         *float64 `json:"score,omitempty"`
	FileCount     int      `json:"file_count,omitempty"`
	SandboxPhase  string   `json:"sandbox_phase,omitempty"`
	SandboxStatus string   `json:"sandbox_status,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	DurationS     float64  `json:"duration_s,omitempty"`
	Commands      []string `json:"commands,omitempty"`
}

// ConversationMessage is one entry of the append-only conversation log
// behind .tumbler/conversation.json.
type ConversationMessage struct {
	Timestamp time.Time    `json:"timestamp"`
	Agent     AgentName    `json:"agent"`
	Role      MessageRole  `json:"role"`
	Iteration int          `json:"iteration"`
	Content   string       `json:"content"`
	Meta      *MessageMeta `json:"metadata,omitempty"`
}

// GeneratedFile is one entry of the Engineer's output listing.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Manifest is the Engineer's completion marker written next to staged files.
type Manifest struct {
	Files       []string  `json:"files"`
	CompletedAt time.Time `json:"completed_at"`
}
