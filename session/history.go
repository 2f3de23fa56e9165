package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/aviaryhq/aviary-go/transport"
)

// wireAttachment is the attachment shape on the chat wire.
type wireAttachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// wireMessage is one transcript entry on the chat wire.
type wireMessage struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
}

// chatRequest is the body of the streaming chat call.
type chatRequest struct {
	SessionID   string        `json:"session_id"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
	Messages    []wireMessage `json:"messages"`
}

// buildChatRequestLocked assembles the outgoing transcript from the full
// message history. The agent's system prompt is prefixed exactly once and
// never duplicated over an existing system entry. Abandoned placeholders and
// the send's own fresh placeholder are excluded; a finalized assistant reply
// stays in even when its content is empty. Caller must hold e.mu.
func (e *Engine) buildChatRequestLocked(placeholderID string) *chatRequest {
	req := &chatRequest{
		SessionID:   e.sessionID,
		Model:       e.cfg.ModelID,
		Temperature: e.cfg.Temperature,
		TopP:        e.cfg.TopP,
		MaxTokens:   e.cfg.MaxTokens,
		Stream:      e.cfg.Stream,
	}

	hasSystem := false
	for _, m := range e.messages {
		if m.Role == RoleSystem {
			hasSystem = true
			break
		}
	}
	if !hasSystem && e.agent != nil && e.agent.SystemPrompt != "" {
		req.Messages = append(req.Messages, wireMessage{
			Role:    string(RoleSystem),
			Content: e.agent.SystemPrompt,
		})
	}

	for _, m := range e.messages {
		if m.Abandoned {
			continue
		}
		if m.ID == placeholderID {
			// The in-progress placeholder.
			continue
		}
		wm := wireMessage{Role: string(m.Role), Content: m.Content}
		for _, a := range m.Attachments {
			wm.Attachments = append(wm.Attachments, wireAttachment{
				Name: a.Name,
				URL:  a.URL,
				Kind: a.MimeKind,
			})
		}
		req.Messages = append(req.Messages, wm)
	}

	return req
}

// signRequest and signResponse exchange pending object keys for signed URLs.
type signRequest struct {
	Keys []string `json:"keys"`
}

type signResponse struct {
	URLs map[string]string `json:"urls"`
}

// resolveAttachments exchanges any pending object keys in the just-sent user
// message for signed URLs, updating both the stored message and the outgoing
// request in place. Failures degrade: the message still sends with the
// attachments unresolved.
func (e *Engine) resolveAttachments(ctx context.Context, gen uint64, userMsgID string, req *chatRequest) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	var keys []string
	for _, m := range e.messages {
		if m.ID != userMsgID {
			continue
		}
		for _, a := range m.Attachments {
			if a.URL == "" && a.ObjectKey != "" {
				keys = append(keys, a.ObjectKey)
			}
		}
	}
	e.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	var resp signResponse
	err := e.client.Do(ctx, transport.RequestSpec{
		Method: http.MethodPost,
		Path:   "/files/sign",
		Body:   signRequest{Keys: keys},
		Result: &resp,
	})
	if err != nil {
		e.log.Warn("signed URL resolution failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	for i := range e.messages {
		if e.messages[i].ID != userMsgID {
			continue
		}
		for j := range e.messages[i].Attachments {
			a := &e.messages[i].Attachments[j]
			if a.URL == "" && a.ObjectKey != "" {
				a.URL = resp.URLs[a.ObjectKey]
			}
		}
		// Mirror the resolution into the outgoing transcript's last user
		// entry, whose attachments were built from this slice in order.
		for wi := len(req.Messages) - 1; wi >= 0; wi-- {
			if req.Messages[wi].Role != string(RoleUser) {
				continue
			}
			wire := req.Messages[wi].Attachments
			for wj := range wire {
				if wj < len(e.messages[i].Attachments) && wire[wj].URL == "" {
					wire[wj].URL = e.messages[i].Attachments[wj].URL
				}
			}
			break
		}
	}
}

// historyEntry is one message in the history fetch response.
type historyEntry struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	Attachments []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
		Kind string `json:"kind"`
	} `json:"attachments"`
	CreatedAt int64 `json:"created_at"`
}

// historyResponse is one page of conversation history.
type historyResponse struct {
	Messages []historyEntry `json:"messages"`
	Cursor   string         `json:"cursor"`
}

// fetchHistory loads and normalizes the full conversation history, following
// the pagination cursor. Entries get synthesized identifiers derived from the
// session id so they stay stable across reloads.
func (e *Engine) fetchHistory(ctx context.Context, agentID, sessionID string) ([]Message, error) {
	var out []Message
	cursor := ""

	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var page historyResponse
		err := e.client.Do(ctx, transport.RequestSpec{
			Method: http.MethodGet,
			Path:   "/agents/" + agentID + "/sessions/" + sessionID + "/messages",
			Query:  query,
			Result: &page,
		})
		if err != nil {
			return nil, err
		}

		for _, entry := range page.Messages {
			msg := Message{
				ID:        fmt.Sprintf("%s-%04d", sessionID, len(out)),
				Role:      Role(entry.Role),
				Content:   entry.Content,
				CreatedAt: time.Unix(entry.CreatedAt, 0),
			}
			for _, a := range entry.Attachments {
				msg.Attachments = append(msg.Attachments, AttachmentRef{
					ID:       a.ID,
					Name:     a.Name,
					URL:      a.URL,
					MimeKind: a.Kind,
				})
			}
			out = append(out, msg)
		}

		if page.Cursor == "" {
			return out, nil
		}
		cursor = page.Cursor
	}
}
