package testutil

import "github.com/zjrosen/fleetreg/internal/registry/domain"

// WithFleetTestData adds a small online fleet:
//
//	division "ops"
//	  department "research" (division ops)
//	    agent "analyst-1"  [analysis, summarize]
//	    agent "analyst-2"  [analysis]
//	  server "filesystem"  [file_ops]
//	database "postgres"    [sql]
//
// analyst-1 depends hard on postgres and soft on filesystem.
func (b *Builder) WithFleetTestData() *Builder {
	b.WithEntity(domain.TypeDivision, "ops", Online(b.now))
	div := b.ID("ops")
	b.WithEntity(domain.TypeDepartment, "research", Online(b.now), Division(div))
	dept := b.ID("research")

	return b.
		WithEntity(domain.TypeAgent, "analyst-1", Online(b.now), Capabilities("analysis", "summarize"), Division(div), Department(dept)).
		WithEntity(domain.TypeAgent, "analyst-2", Online(b.now), Capabilities("analysis"), Division(div), Department(dept)).
		WithEntity(domain.TypeServer, "filesystem", Online(b.now), Capabilities("file_ops"), Division(div)).
		WithEntity(domain.TypeDatabase, "postgres", Online(b.now), Capabilities("sql")).
		WithDependency("analyst-1", "postgres", domain.CriticalityHard).
		WithDependency("analyst-1", "filesystem", domain.CriticalitySoft)
}
