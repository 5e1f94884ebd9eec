// Package tokenizer provides token counting for admission control. It ships
// a coarse heuristic estimator plus a tiktoken adapter for OpenAI-family
// models; the limiter only needs a deterministic upper-bound estimate, not a
// billing-grade count.
package tokenizer
