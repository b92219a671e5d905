package bpmn

import (
	"sync"

	"github.com/pbinitiative/zenflow/pkg/zenflake"
)

var (
	globalIdGenerator     *zenflake.Generator
	globalIdGeneratorOnce sync.Once
)

func (engine *Engine) generateKey() int64 {
	return engine.keys.Generate()
}

// getGlobalKeyGenerator the global key generator, its node id is derived from the environment
func getGlobalKeyGenerator() *zenflake.Generator {
	globalIdGeneratorOnce.Do(func() {
		g, err := zenflake.NewGenerator(zenflake.NodeIdFromEnvironment())
		if err != nil {
			panic("can't initialize key generator. Message: " + err.Error())
		}
		globalIdGenerator = g
	})
	return globalIdGenerator
}
