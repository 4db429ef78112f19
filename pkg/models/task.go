package models

// Origin identifies the conversation a subagent was spawned from, so
// its announce can route back.
type Origin struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// TaskRecord tracks one running subagent. Records live in the manager
// only for the duration of execution.
type TaskRecord struct {
	TaskID         string `json:"task_id"`
	Label          string `json:"label"`
	Task           string `json:"task"`
	Origin         Origin `json:"origin"`
	Silent         bool   `json:"silent"`
	RegistryTaskID string `json:"registry_task_id,omitempty"`
}
