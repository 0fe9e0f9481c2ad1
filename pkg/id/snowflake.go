// Package id generates time-ordered int64 identifiers.
package id

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out Snowflake ids for one node.
// Ids are time-ordered and unique across nodes with distinct node ids.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for nodeID (0-1023).
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// New returns the next id. Safe for concurrent use.
func (g *Generator) New() int64 {
	return g.node.Generate().Int64()
}
