// Package uistream implements the UI message stream protocol (v1) spoken to
// the chat frontend.
//
// A response is a text/event-stream whose frames are
//
//	data: <json part>\n\n
//
// and which ends with
//
//	data: [DONE]\n\n
//
// A live assistant reply is the sequence start, start-step, text-start,
// one text-delta per agent chunk, text-end, finish-step, finish. A resumed
// reply that already completed is a single transient data-appendMessage part
// whose data field is the stored message encoded as a JSON string.
//
// Responses carry the header x-vercel-ai-ui-message-stream: v1.
package uistream
