// Package conversation implements the message pipeline between a
// policyholder and the support agent.
//
// # Relay
//
// Relay handles one outgoing user message:
//
//  1. Reject messages with no text before touching the agent
//  2. Create the chat on first use, owned by the sender
//  3. Save the user message
//  4. Record a stream id in the ledger, then invoke the agent
//  5. On the first content chunk, open the UI message stream and relay
//     every chunk as one text-delta
//  6. Save the assistant message only after the agent finished cleanly
//
// Failures before the first chunk are returned as *Error and nothing is
// written. After that the response is committed and a failed agent stream
// just ends the response.
//
// When a resumable.Context is configured, every frame is mirrored to it and
// the generation keeps running if the client disconnects.
//
// # Resumer
//
// Resumer answers a reconnecting client. A live stream is reattached and
// its frames are relayed verbatim. A finished stream is answered with the
// latest assistant message as a single data-appendMessage part, provided it
// is younger than StaleAfter; otherwise the stream is empty.
//
// # Errors
//
// Error carries a type and surface, rendered as "<type>:<surface>" codes:
//
//	err := conversation.NewError(conversation.TypeNotFound, conversation.SurfaceChat, "")
//	errors.Is(err, conversation.ErrNotFound) // true
//	err.Status()                             // 404
package conversation
