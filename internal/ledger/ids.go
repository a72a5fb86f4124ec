package ledger

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator produces unique, roughly time-ordered message ids.
type IDGenerator interface {
	Next() int64
}

// SnowflakeIDs generates ids with a snowflake node, unique across instances
// that use distinct node ids.
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for the given node id (0-1023).
func NewSnowflakeIDs(nodeID int64) (*SnowflakeIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeIDs{node: node}, nil
}

func (s *SnowflakeIDs) Next() int64 {
	return s.node.Generate().Int64()
}
