/*
Package llm is a resilient client runtime for provider-hosted chat APIs.

Callers submit an ordered message history and receive a text completion.
Between the caller and the remote provider the runtime interposes four
control components, composed in a fixed order for every call:

	breaker check -> rate limit -> concurrency gate -> breaker re-check -> HTTP

A configurable provider registry makes the pipeline pluggable: per-provider
endpoints, auth schemes, request dialects, response parse paths, and model
catalogs are all data, so OpenAI-compatible endpoints can be added without
code. Providers ship preconfigured for openai, anthropic, google, and ollama.

Typical use:

	rt := llm.NewRuntime(nil, logger)
	reply, err := rt.Chat(ctx, []types.Message{types.NewUserMessage("hi")}, &llm.ChatOptions{
		AIService: "openai",
		Model:     "gpt-4o-mini",
	})

Every suspension point (rate-limiter wait, gate wait, HTTP round trip, retry
backoff) honors the caller's context. All failures surface as *types.Error
with a closed kind set.
*/
package llm
