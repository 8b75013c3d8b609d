// Package script defines the operation model: the two operation kinds a
// run can perform, the ordered script of operations, and the pending
// effect produced by submitting a transfer.
package script

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies an operation variant.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindWait     Kind = "wait"
)

// Transfer is a value transfer to a destination address.
// Immutable once constructed; equality is structural.
type Transfer struct {
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"` // wei
}

// Operation is one scripted action: either a Transfer or a timed Wait.
// Exactly one of Transfer/Wait is meaningful, selected by Kind.
type Operation struct {
	Kind     Kind
	Transfer Transfer
	Wait     time.Duration
}

// operationJSON is the persisted wire form of an Operation.
// Waits are stored as integer milliseconds, which is lossless for
// generated scripts (wait draws are whole milliseconds).
type operationJSON struct {
	Kind     Kind      `json:"kind"`
	Transfer *Transfer `json:"transfer,omitempty"`
	WaitMs   *int64    `json:"waitMs,omitempty"`
}

// MarshalJSON encodes the operation as a kind-tagged object.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case KindTransfer:
		t := o.Transfer
		return json.Marshal(operationJSON{Kind: KindTransfer, Transfer: &t})
	case KindWait:
		ms := o.Wait.Milliseconds()
		return json.Marshal(operationJSON{Kind: KindWait, WaitMs: &ms})
	default:
		return nil, fmt.Errorf("unknown operation kind: %q", o.Kind)
	}
}

// UnmarshalJSON decodes a kind-tagged operation object.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Kind {
	case KindTransfer:
		if raw.Transfer == nil {
			return fmt.Errorf("transfer operation missing transfer body")
		}
		*o = Operation{Kind: KindTransfer, Transfer: *raw.Transfer}
	case KindWait:
		if raw.WaitMs == nil {
			return fmt.Errorf("wait operation missing waitMs")
		}
		if *raw.WaitMs < 0 {
			return fmt.Errorf("wait operation has negative duration: %dms", *raw.WaitMs)
		}
		*o = Operation{Kind: KindWait, Wait: time.Duration(*raw.WaitMs) * time.Millisecond}
	default:
		return fmt.Errorf("unknown operation kind: %q", raw.Kind)
	}
	return nil
}

// Script is an ordered sequence of operations. Order is execution order.
type Script []Operation

// TotalWait returns the sum of all Wait durations in the script.
// This is the generator's stopping predicate: a generated script's
// total wait strictly exceeds the requested target duration.
func (s Script) TotalWait() time.Duration {
	var total time.Duration
	for _, op := range s {
		if op.Kind == KindWait {
			total += op.Wait
		}
	}
	return total
}

// Transfers returns the number of transfer operations in the script.
func (s Script) Transfers() int {
	n := 0
	for _, op := range s {
		if op.Kind == KindTransfer {
			n++
		}
	}
	return n
}

// Save writes the script to path as indented JSON.
func (s Script) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal script: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	return nil
}

// Load reads a script previously written by Save. Load(Save(s)) == s.
func Load(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal script: %w", err)
	}
	return s, nil
}

// Effect is the pending obligation created by submitting a Transfer:
// the transaction is accepted by the transport but its receipt has not
// been observed yet. Wait operations produce no effect.
type Effect struct {
	Transfer    Transfer
	TxHash      common.Hash
	SubmittedAt time.Time
}
