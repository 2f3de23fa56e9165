package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aviaryhq/aviary-go/log"
	"github.com/aviaryhq/aviary-go/stream"
	"github.com/aviaryhq/aviary-go/transport"
)

// Engine orchestrates one conversation: send message, open stream, assemble
// deltas, finalize. All exported methods are safe for concurrent use.
//
// Every async continuation captures the generation counter at start and
// re-checks it at delivery time; a session switch bumps the counter, so
// anything from a stale stream is discarded silently.
type Engine struct {
	client  *transport.Client
	streams *stream.Client
	snap    ConfigSnapshot
	log     *log.Logger

	mu          sync.Mutex
	gen         uint64
	agentID     string
	sessionID   string
	agent       *Agent
	cfg         ChatConfig
	messages    []Message
	input       string
	attachments []AttachmentRef
	status      *StatusEvent
	lastErr     string
	loading     bool
	state       State
	initialized bool

	cancelStream context.CancelFunc
	sendDone     chan struct{}
}

// NewEngine creates a conversation engine.
func NewEngine(client *transport.Client, streams *stream.Client, snap ConfigSnapshot, cfg ChatConfig, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		client:  client,
		streams: streams,
		snap:    snap,
		log:     logger,
		cfg:     cfg,
		state:   StateIdle,
	}
}

// --- read surface consumed by the UI layer ---

// Messages returns a snapshot copy of the message list.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Loading reports whether a send is in flight.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the latest pipeline status event, or nil.
func (e *Engine) Status() *StatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the session-level error string, empty when healthy.
func (e *Engine) Err() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// SessionID returns the current session id, empty before the first send.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// AgentID returns the current agent id.
func (e *Engine) AgentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agentID
}

// Config returns the chat configuration.
func (e *Engine) Config() ChatConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the chat configuration and persists the whitelisted
// fields.
func (e *Engine) SetConfig(cfg ChatConfig) {
	e.mu.Lock()
	e.cfg = cfg
	snap := e.snap
	e.mu.Unlock()
	if snap != nil {
		if err := SaveChatConfig(snap, cfg); err != nil {
			e.log.Warn("persist chat config", zap.Error(err))
		}
	}
}

// SetInput replaces the input buffer.
func (e *Engine) SetInput(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = s
}

// Input returns the input buffer.
func (e *Engine) Input() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input
}

// AddAttachment appends an attachment to the pending buffer.
func (e *Engine) AddAttachment(a AttachmentRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachments = append(e.attachments, a)
}

// Attachments returns a snapshot copy of the pending attachment buffer.
func (e *Engine) Attachments() []AttachmentRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AttachmentRef, len(e.attachments))
	copy(out, e.attachments)
	return out
}

// --- send ---

// Send appends the buffered input as a user message plus an empty assistant
// placeholder, then opens the reply stream. Deltas fill the placeholder in
// place; finalization clears the loading flag and status exactly once.
//
// A send with nothing to say (empty trimmed input and no attachments) or
// with no resolved model/agent is silently ignored: the UI is expected to
// prevent it.
func (e *Engine) Send(ctx context.Context) error {
	e.mu.Lock()

	text := strings.TrimSpace(e.input)
	if text == "" && len(e.attachments) == 0 {
		e.mu.Unlock()
		return nil
	}
	if e.agent == nil || e.cfg.ModelID == "" {
		e.mu.Unlock()
		return nil
	}

	// A previous stream still in flight is preempted: cancel it and mark its
	// placeholder abandoned so two streams never interleave writes.
	e.preemptLocked()
	e.gen++
	gen := e.gen

	// Mint the session id before any network call so a concurrent read of
	// the current session is already consistent.
	if e.sessionID == "" {
		e.sessionID = uuid.NewString()
		e.persistSessionPointerLocked()
	}

	userMsg := Message{
		ID:          uuid.NewString(),
		Role:        RoleUser,
		Content:     text,
		Attachments: e.attachments,
		CreatedAt:   time.Now(),
	}
	placeholder := Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	e.messages = append(e.messages, userMsg, placeholder)
	placeholderID := placeholder.ID

	e.input = ""
	e.attachments = nil
	e.status = nil
	e.lastErr = ""
	e.loading = true
	e.state = StateSending
	e.sendDone = make(chan struct{})

	req := e.buildChatRequestLocked(placeholderID)
	agentID := e.agentID
	e.mu.Unlock()

	// Signed-URL resolution degrades on failure: the message still sends.
	e.resolveAttachments(ctx, gen, userMsg.ID, req)

	cancel, err := e.streams.Open(ctx, "/agents/"+agentID+"/chat", stream.Options{
		Body:    req,
		OnEvent: func(ev stream.Event) { e.handleEvent(gen, placeholderID, ev) },
		OnDone:  func(explicit bool) { e.handleDone(gen) },
		OnError: func(err error) { e.handleStreamError(gen, placeholderID, err) },
	})
	if err != nil {
		e.failSend(gen, placeholderID, err.Error())
		return err
	}

	e.mu.Lock()
	if e.gen != gen || !e.loading {
		// Identity switched while connecting, or a fast stream already
		// finalized this send; the cancel func is dead either way. Storing it
		// would make the next preempt abandon a completed reply.
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.cancelStream = cancel
	e.mu.Unlock()
	return nil
}

// SendAndWait sends and blocks until the reply stream finalizes.
func (e *Engine) SendAndWait(ctx context.Context) error {
	if err := e.Send(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	done := e.sendDone
	e.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.Abort()
		return ctx.Err()
	}
}

// Abort cancels the live stream, if any, and finalizes the send.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelStream != nil {
		e.cancelStream()
		e.cancelStream = nil
	}
	e.finalizeLocked(StateIdle)
}

// preemptLocked cancels a live stream and marks its placeholder abandoned.
// Caller must hold e.mu.
func (e *Engine) preemptLocked() {
	if e.cancelStream == nil {
		return
	}
	e.cancelStream()
	e.cancelStream = nil
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == RoleAssistant && !e.messages[i].Abandoned {
			e.messages[i].Abandoned = true
			break
		}
	}
	e.finalizeLocked(StateIdle)
}

// --- stream callbacks ---

// handleEvent applies one stream event. Events whose generation no longer
// matches the engine's are from a stale stream and dropped silently.
func (e *Engine) handleEvent(gen uint64, placeholderID string, ev stream.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}

	switch ev.Type {
	case "status":
		e.status = &StatusEvent{
			Stage: ev.Get("stage").String(),
			Step:  ev.Get("step").String(),
			State: ev.Get("state").String(),
			Code:  ev.Get("code").String(),
			Meta:  metaMap(ev),
		}

	case "error":
		text := ev.Get("message").String()
		if text == "" {
			text = ev.Data
		}
		e.setMessageContentLocked(placeholderID, text)
		e.lastErr = text
		if e.cancelStream != nil {
			e.cancelStream()
			e.cancelStream = nil
		}
		e.finalizeLocked(StateError)

	case "message":
		// Content is cumulative: replace, never append.
		e.setMessageContentLocked(placeholderID, ev.Get("content").String())
		e.state = StateStreaming
	}
}

// handleDone finalizes on stream completion, sentinel or plain close.
func (e *Engine) handleDone(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	e.cancelStream = nil
	e.finalizeLocked(StateIdle)
}

// handleStreamError surfaces a mid-stream transport failure.
func (e *Engine) handleStreamError(gen uint64, placeholderID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	e.setMessageContentLocked(placeholderID, err.Error())
	e.lastErr = err.Error()
	e.cancelStream = nil
	e.finalizeLocked(StateError)
}

// failSend records a connect-time failure on the placeholder.
func (e *Engine) failSend(gen uint64, placeholderID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	e.setMessageContentLocked(placeholderID, text)
	e.lastErr = text
	e.finalizeLocked(StateError)
}

// finalizeLocked clears the loading flag and status fields exactly once per
// send. Caller must hold e.mu.
func (e *Engine) finalizeLocked(next State) {
	if !e.loading {
		return
	}
	e.loading = false
	e.status = nil
	e.state = next
	if e.sendDone != nil {
		close(e.sendDone)
		e.sendDone = nil
	}
}

// setMessageContentLocked replaces a message's content by id.
// Caller must hold e.mu.
func (e *Engine) setMessageContentLocked(id, content string) {
	for i := range e.messages {
		if e.messages[i].ID == id {
			e.messages[i].Content = content
			return
		}
	}
}

// metaMap flattens a status event's meta object into a string map.
func metaMap(ev stream.Event) map[string]string {
	meta := ev.Get("meta")
	if !meta.IsObject() {
		return nil
	}
	out := make(map[string]string)
	meta.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.String()
		return true
	})
	return out
}
