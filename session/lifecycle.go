package session

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/aviaryhq/aviary-go/transport"
)

// Init binds the engine to an (agent, session) identity. Redundant calls for
// an unchanged pair while already initialized are no-ops. A genuine change
// resets all conversation state, resolves the agent (from localAgent or by
// lookup), and loads history when a session id is present.
//
// A history-load failure degrades to an empty conversation; the engine is
// never left stuck loading.
func (e *Engine) Init(ctx context.Context, agentID, sessionID string, localAgent *Agent) error {
	e.mu.Lock()
	if e.initialized && e.agentID == agentID && e.sessionID == sessionID {
		e.mu.Unlock()
		return nil
	}

	e.preemptLocked()
	e.gen++
	gen := e.gen

	e.agentID = agentID
	e.sessionID = sessionID
	e.agent = localAgent
	e.messages = nil
	e.input = ""
	e.attachments = nil
	e.status = nil
	e.lastErr = ""
	e.loading = false
	e.state = StateIdle
	e.initialized = true
	if sessionID != "" {
		e.persistSessionPointerLocked()
	}
	e.mu.Unlock()

	if localAgent == nil && agentID != "" {
		agent, err := e.fetchAgent(ctx, agentID)
		if err != nil {
			e.log.Warn("agent lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		} else {
			e.mu.Lock()
			if e.gen == gen {
				e.agent = agent
			}
			e.mu.Unlock()
		}
	}

	if sessionID != "" {
		history, err := e.fetchHistory(ctx, agentID, sessionID)
		if err != nil {
			// Degrade to an empty conversation rather than a stuck state.
			e.log.Warn("history load failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return nil
		}
		e.mu.Lock()
		if e.gen == gen {
			e.messages = history
		}
		e.mu.Unlock()
	}

	return nil
}

// Reset clears the session id, messages, and attachments, and removes the
// persisted session pointer for the current agent. Agent identity and chat
// configuration survive.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.preemptLocked()
	e.gen++
	e.sessionID = ""
	e.messages = nil
	e.attachments = nil
	e.status = nil
	e.lastErr = ""
	e.state = StateIdle
	agentID := e.agentID
	snap := e.snap
	e.mu.Unlock()

	if snap != nil && agentID != "" {
		if err := snap.Delete("sessions." + agentID); err != nil {
			e.log.Warn("clear session pointer", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// SwitchAgent changes the engine's agent. An unchanged agent merges in the
// updated value without touching conversation state; a changed agent performs
// a full reset and marks the engine uninitialized so the next Init is not
// treated as a duplicate no-op.
func (e *Engine) SwitchAgent(agentID string, agent *Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if agentID == e.agentID {
		if agent != nil {
			e.agent = agent
		}
		return
	}

	e.preemptLocked()
	e.gen++
	e.agentID = agentID
	e.agent = agent
	e.sessionID = ""
	e.messages = nil
	e.input = ""
	e.attachments = nil
	e.status = nil
	e.lastErr = ""
	e.state = StateIdle
	e.initialized = false
}

// LastSessionID returns the persisted session pointer for an agent, if any.
func (e *Engine) LastSessionID(agentID string) string {
	e.mu.Lock()
	snap := e.snap
	e.mu.Unlock()
	if snap == nil {
		return ""
	}
	v, _ := snap.Get("sessions." + agentID)
	return v
}

// persistSessionPointerLocked stores the current session id keyed by agent.
// Caller must hold e.mu.
func (e *Engine) persistSessionPointerLocked() {
	if e.snap == nil || e.agentID == "" || e.sessionID == "" {
		return
	}
	if err := e.snap.Set("sessions."+e.agentID, e.sessionID); err != nil {
		e.log.Warn("persist session pointer", zap.String("agent_id", e.agentID), zap.Error(err))
	}
}

// fetchAgent looks up agent metadata.
func (e *Engine) fetchAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	err := e.client.Do(ctx, transport.RequestSpec{
		Method: http.MethodGet,
		Path:   "/agents/" + agentID,
		Result: &agent,
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}
