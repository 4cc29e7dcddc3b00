package llm

import "sync"

// ChatContext is the conversation a session feeds to the language model.
//
// The first message is the system prompt and is never removed. Messages are
// only ever appended, so their order is the order the conversation happened in.
type ChatContext struct {
	mu       sync.RWMutex
	messages []Message
}

// NewChatContext seeds a conversation with a single system message.
func NewChatContext(systemPrompt string) *ChatContext {
	return &ChatContext{
		messages: []Message{{Role: RoleSystem, Content: systemPrompt}},
	}
}

// Append adds a message to the end of the conversation.
func (c *ChatContext) Append(role MessageRole, content string) *ChatContext {
	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: role, Content: content})
	c.mu.Unlock()
	return c
}

// Messages returns a copy of the conversation.
func (c *ChatContext) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// SystemPrompt returns the seed system message content.
func (c *ChatContext) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[0].Content
}

// Len returns the number of messages, system prompt included.
func (c *ChatContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Last returns the n most recent messages (fewer if the conversation is shorter).
func (c *ChatContext) Last(n int) []Message {
	msgs := c.Messages()
	if n <= 0 || n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
