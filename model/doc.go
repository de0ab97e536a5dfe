// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with language models inside agentloop.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Express model decisions as core.AssistantMessage (content or tool calls)
//   - Classify failures as retryable or permanent (Permanent, IsPermanent)
//   - Facilitate deterministic testing (ScriptedModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface in sub-packages
// so the controller remains decoupled from vendor SDKs.
package model
