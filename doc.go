// # Realtime Voice Relay for Meeting Assistants
//
// This repository provides the duplex streaming bridge between a client device
// and an upstream realtime speech/LLM session. Client audio frames are relayed
// upstream unmodified, upstream deltas are relayed back, and function-call
// events emitted by the upstream model are intercepted, executed against
// internal meeting data, and stitched back into the conversation.
package relay
