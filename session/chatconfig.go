package session

// ChatConfig is the only session state that survives restarts. Messages and
// attachments are deliberately excluded: persistence goes through an explicit
// field whitelist, never a dump of the engine state.
type ChatConfig struct {
	ModelID     string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stream      bool
}

// ConfigSnapshot is the persistence boundary for ChatConfig and the
// per-agent session pointers. Implemented by *store.Store.
type ConfigSnapshot interface {
	Get(key string) (string, bool)
	GetFloat(key string) (float64, bool)
	Set(key string, value any) error
	Delete(key string) error
}

// Whitelisted snapshot keys for ChatConfig.
const (
	keyModelID     = "config.model_id"
	keyTemperature = "config.temperature"
	keyTopP        = "config.top_p"
	keyMaxTokens   = "config.max_tokens"
	keyStream      = "config.stream"
)

// DefaultChatConfig returns the configuration used before anything is
// persisted or supplied.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		Temperature: 0.7,
		TopP:        1.0,
		MaxTokens:   4096,
		Stream:      true,
	}
}

// SaveChatConfig writes the whitelisted fields to the snapshot.
func SaveChatConfig(snap ConfigSnapshot, cfg ChatConfig) error {
	if err := snap.Set(keyModelID, cfg.ModelID); err != nil {
		return err
	}
	if err := snap.Set(keyTemperature, cfg.Temperature); err != nil {
		return err
	}
	if err := snap.Set(keyTopP, cfg.TopP); err != nil {
		return err
	}
	if err := snap.Set(keyMaxTokens, cfg.MaxTokens); err != nil {
		return err
	}
	return snap.Set(keyStream, cfg.Stream)
}

// LoadChatConfig reads the whitelisted fields, falling back to defaults for
// absent keys.
func LoadChatConfig(snap ConfigSnapshot) ChatConfig {
	cfg := DefaultChatConfig()
	if v, ok := snap.Get(keyModelID); ok {
		cfg.ModelID = v
	}
	if v, ok := snap.GetFloat(keyTemperature); ok {
		cfg.Temperature = v
	}
	if v, ok := snap.GetFloat(keyTopP); ok {
		cfg.TopP = v
	}
	if v, ok := snap.GetFloat(keyMaxTokens); ok {
		cfg.MaxTokens = int(v)
	}
	if v, ok := snap.Get(keyStream); ok {
		cfg.Stream = v == "true"
	}
	return cfg
}
