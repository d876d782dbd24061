package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for relay spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")
	AttrLLMTier     = attribute.Key("llm.tier")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrStreamChunks = attribute.Key("llm.stream_chunks")
	AttrStreamReason = attribute.Key("stream.termination_reason")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrUserID = attribute.Key("user.id")
	AttrPeriod = attribute.Key("budget.period")
)
