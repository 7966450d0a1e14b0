package tracing

// Span attribute keys.
const (
	AttrEntityID      = "entity.id"
	AttrEntityType    = "entity.type"
	AttrEntityName    = "entity.name"
	AttrEntityVersion = "entity.version"
	AttrEntityStatus  = "entity.status"
	AttrHealthScore   = "entity.health_score"
	AttrActor         = "registry.actor"
	AttrCapability    = "discovery.capability"
	AttrStrategy      = "discovery.strategy"
	AttrResultCount   = "discovery.results"
	AttrCacheHit      = "discovery.cache_hit"
	AttrStale         = "discovery.stale"
	AttrSweepSize     = "health.sweep.entities"
	AttrSweepChanged  = "health.sweep.changed"
	AttrSweepFailed   = "health.sweep.failed"
)

// Span names.
const (
	SpanRegister      = "registry.register"
	SpanUpdate        = "registry.update"
	SpanHeartbeat     = "registry.heartbeat"
	SpanDeregister    = "registry.deregister"
	SpanApplyHealth   = "registry.apply_health"
	SpanAddDependency = "registry.add_dependency"
	SpanDiscovery     = "discovery.query"
	SpanReload        = "discovery.reload"
	SpanSweep         = "health.sweep"
)
