package config

// Runtime configuration keys. Values live in the runtime_config table and are
// mirrored into the distributed cache under "runtime_config:<key>".
const (
	KeyAIConfigSource          = "ai_config_source"
	KeyMaxHistoryItems         = "max_history_items"
	KeyHistoryRetentionCount   = "history_retention_count"
	KeySessionTimeoutMinutes   = "session_timeout_minutes"
	KeyDefaultRoleID           = "default_role_id"
	KeySystemInstructions      = "system_instructions"
	KeyWelcomeMessage          = "welcome_message"
	KeyStreamInterChunkTimeout = "ai_stream_inter_chunk_timeout"
	KeyStreamTotalTimeout      = "ai_stream_total_timeout"
)
