// Package ai is the bridge between chat rooms and an external text
// generation service.
//
// A Bridge turns a prompt into generated text. Provider failures are
// classified: transient overload is retried with exponential backoff,
// credential and quota problems fail immediately with a message fit for
// end users, and anything else is passed through unchanged.
//
// Supported providers:
//   - gemini (google.golang.org/genai), the default
//   - anthropic (github.com/anthropics/anthropic-sdk-go)
//   - openai (github.com/openai/openai-go)
//   - openai-compatible (github.com/tmc/langchaingo) for self-hosted models
//
// ParseReply recognizes replies that carry a file tree so room members can
// apply it.
package ai
