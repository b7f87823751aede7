package observability

const (
	AttrRunID          = "agent.run_id"
	AttrAgentStep      = "agent.step"
	AttrToolName       = "tool.name"
	AttrToolStrategy   = "tool.strategy"
	AttrLLMModel       = "llm.model"
	AttrLLMTokensInput = "llm.tokens.input"
	AttrLLMTokensOut   = "llm.tokens.output"
	AttrCacheReason    = "cache.miss_reason"
	AttrPipelineSteps  = "pipeline.steps"
	AttrErrorType      = "error.type"

	SpanAgentRun      = "agent.run"
	SpanAgentStep     = "agent.step"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanContextManage = "agent.context_manage"
	SpanCacheLookup   = "agent.cache_lookup"

	DefaultServiceName = "maestro"
)
