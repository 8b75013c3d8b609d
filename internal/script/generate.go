package script

import (
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Generator draw bounds.
const (
	maxAmount = 1000  // transfer amounts are drawn from [0, 1000) wei
	maxWaitMs = 10000 // wait durations are drawn from [0, 10000) ms
)

// Generate builds a random script whose Wait durations sum to strictly
// more than target. Operations are drawn uniformly from the two kinds;
// the loop appends the drawn operation first and checks the cumulative
// wait after, so the result always contains at least one operation and
// dropping its last operation would bring the wait sum back to <= target.
//
// The script length is unbounded: a pathological sequence of transfer
// draws can run long. That is accepted, not mitigated.
func Generate(rng *rand.Rand, target time.Duration) Script {
	var ops Script
	var waited time.Duration
	for {
		op := randomOperation(rng)
		if op.Kind == KindWait {
			waited += op.Wait
		}
		ops = append(ops, op)
		if waited > target {
			break
		}
	}
	return ops
}

func randomOperation(rng *rand.Rand) Operation {
	if rng.IntN(2) == 0 {
		return Operation{Kind: KindTransfer, Transfer: randomTransfer(rng)}
	}
	return Operation{
		Kind: KindWait,
		Wait: time.Duration(rng.Int64N(maxWaitMs)) * time.Millisecond,
	}
}

func randomTransfer(rng *rand.Rand) Transfer {
	var to common.Address
	for i := range to {
		to[i] = byte(rng.UintN(256))
	}
	return Transfer{To: to, Amount: rng.Uint64N(maxAmount)}
}
