package models

// AgentStatus is a point-in-time monitoring snapshot produced by the Task
// Monitor: counters, current activity, and uptime.
type AgentStatus struct {
	IsOnline           bool    `json:"is_online"`
	IsBusy             bool    `json:"is_busy"`
	CurrentTask        string  `json:"current_task,omitempty"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	TotalConversations int     `json:"total_conversations"`
	TotalToolCalls     int     `json:"total_tool_calls"`
	TotalTokensUsed    int     `json:"total_tokens_used"`
	MemoryCount        int     `json:"memory_count"`
	ActiveTools        int     `json:"active_tools"`
	AvailableTools     int     `json:"available_tools"`
	LLMProvider        string  `json:"llm_provider,omitempty"`
	LLMModel           string  `json:"llm_model,omitempty"`
}

// ActivityEntry is one record in the Task Monitor's capped activity log.
type ActivityEntry struct {
	Type       string  `json:"type"`
	ToolName   string  `json:"tool_name,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Success    bool    `json:"success,omitempty"`
	InputTok   int     `json:"input_tokens,omitempty"`
	OutputTok  int     `json:"output_tokens,omitempty"`
	Timestamp  float64 `json:"timestamp"`
}
