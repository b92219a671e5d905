// Package zenflake hands out engine wide int64 keys for definitions, instances, tokens and scopes.
package zenflake

import (
	"fmt"
	"hash/adler32"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	nodeShift       = StepBits

	configure sync.Once
)

// Generator produces keys that grow with time, keys of one generator are strictly increasing.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for nodeId, which has to fit into NodeBits.
func NewGenerator(nodeId int64) (*Generator, error) {
	configure.Do(func() {
		snowflake.NodeBits = NodeBits
		snowflake.StepBits = StepBits
	})
	if nodeId < 0 || nodeId > nodeMax {
		return nil, fmt.Errorf("node id %d out of range 0..%d", nodeId, nodeMax)
	}
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Generator{node: node}, nil
}

// NodeIdFromEnvironment derives a node id from the process environment,
// constraints: two processes with the same environment get the same node id
func NodeIdFromEnvironment() int64 {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Write([]byte(e))
	}
	return int64(hash32.Sum32()) & nodeMax
}

func (g *Generator) Generate() int64 {
	return g.node.Generate().Int64()
}

func GetNodeMask() int64 {
	return nodeMask
}

// GetNodeId returns the id of the node that generated id.
func GetNodeId(id int64) int64 {
	return (id & GetNodeMask()) >> int64(nodeShift)
}
