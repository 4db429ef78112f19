// Package builtin provides the tool suite the engine registers at
// startup: messaging, subagent control, guarded command execution,
// workspace file access, web search and fetch, memory search, the
// core memory scratchpad, and cron job control.
//
// Tools return expected failures as strings starting "Error:" so they
// round-trip to the LM as tool results instead of aborting the loop.
package builtin

import "encoding/json"

// mustSchema marshals a schema map, falling back to a bare object
// schema when marshaling fails.
func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// decode round-trips parsed arguments into a typed input struct so
// each tool reads its parameters the same way it declares them.
func decode(args map[string]any, v any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
