// Package agent talks to the external workflow agent that writes replies.
//
// # Overview
//
// The agent is an HTTP webhook (an n8n Chat Trigger) at
//
//	{base_url}/webhook/{webhook_id}/chat
//
// Each user message becomes one POST:
//
//	{
//	  "chatInput": "What does my policy cover?",
//	  "sessionId": "<chat id>",
//	  "user": {"id": "...", "email": "...", "profile_id": "..."},
//	  "timestamp": "2025-01-01T12:00:00.123456789Z",
//	  "source": "ai-chat",
//	  "context": {"chat_history_length": 4, "user_preferences": {}}
//	}
//
// user is null for anonymous callers. There is no retry.
//
// # Reply Stream
//
// The reply body is newline-delimited JSON. Lines of the form
//
//	{"type":"item","content":"Hel"}
//
// carry reply text; every other well-formed line decodes as EventUnknown and
// is ignored. Malformed lines are logged and skipped without ending the
// stream. Decoder accepts the body in arbitrary chunks and holds any partial
// line until its newline (or end of input) arrives.
//
// # Errors
//
//   - ErrEmptyInput: the utterance is blank, no request is made
//   - ErrUpstreamUnavailable: transport failure or non-2xx status
//   - ErrEmptyResponse: the reply ended without any content (from Collect)
package agent
