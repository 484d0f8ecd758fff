package recur

import (
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/types"
)

// Re-exported so callers can stay on the root package.
type (
	ID    = id.ID
	Money = types.Money
)

var (
	USD  = types.USD
	EUR  = types.EUR
	Zero = types.Zero
)
