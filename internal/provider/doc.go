// Package provider implements execution backends on the Eino framework.
//
// Every backend wraps an Eino chat model and adapts its message stream to
// the unit stream the execution engine consumes:
//
//   - Anthropic Claude through eino-ext/components/model/claude
//   - OpenAI and OpenAI-compatible servers through eino-ext/components/model/openai
//   - Volcengine ARK through eino-ext/components/model/ark
//   - a local scripted model that streams over an in-process schema.Pipe,
//     used for development without API keys and in tests
//
// The Registry resolves "provider/model" strings to a backend:
//
//	registry, err := provider.InitializeBackends(ctx, cfg)
//	b, modelID, err := registry.Resolve("anthropic/claude-sonnet-4-20250514")
//	stream, err := b.OpenStream(ctx, &backend.Request{Model: modelID, Messages: history})
package provider
