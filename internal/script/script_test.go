package script

import (
	"encoding/json"
	"math/rand/v2"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func TestGenerateExceedsTarget(t *testing.T) {
	targets := []time.Duration{
		0,
		50 * time.Millisecond,
		time.Second,
		30 * time.Second,
		100 * time.Second,
	}

	for _, target := range targets {
		s := Generate(testRand(1), target)
		if len(s) == 0 {
			t.Fatalf("Generate(%v) returned empty script", target)
		}
		if got := s.TotalWait(); got <= target {
			t.Errorf("Generate(%v).TotalWait() = %v, want > %v", target, got, target)
		}
	}
}

func TestGenerateStoppingRuleTight(t *testing.T) {
	// Removing the last operation must bring the wait sum back to
	// <= target, unless the last operation is a transfer (zero wait).
	for seed := uint64(1); seed <= 20; seed++ {
		target := 10 * time.Second
		s := Generate(testRand(seed), target)

		last := s[len(s)-1]
		if last.Kind == KindTransfer {
			continue
		}
		if got := s[:len(s)-1].TotalWait(); got > target {
			t.Errorf("seed %d: wait sum without last op = %v, want <= %v", seed, got, target)
		}
	}
}

func TestGenerateZeroTargetNonEmpty(t *testing.T) {
	for seed := uint64(1); seed <= 50; seed++ {
		s := Generate(testRand(seed), 0)
		if len(s) == 0 {
			t.Fatalf("seed %d: Generate(0) returned empty script", seed)
		}
		if s.TotalWait() == 0 {
			t.Errorf("seed %d: Generate(0).TotalWait() = 0, want > 0", seed)
		}
		if s[len(s)-1].Kind != KindWait {
			t.Errorf("seed %d: script for target 0 must end on the wait that broke the loop", seed)
		}
	}
}

func TestGenerateDrawBounds(t *testing.T) {
	s := Generate(testRand(7), 5*time.Minute)

	transfers, waits := 0, 0
	for _, op := range s {
		switch op.Kind {
		case KindTransfer:
			transfers++
			if op.Transfer.Amount >= maxAmount {
				t.Errorf("transfer amount %d out of range [0, %d)", op.Transfer.Amount, maxAmount)
			}
		case KindWait:
			waits++
			if op.Wait < 0 || op.Wait >= maxWaitMs*time.Millisecond {
				t.Errorf("wait duration %v out of range [0, %dms)", op.Wait, maxWaitMs)
			}
			if op.Wait%time.Millisecond != 0 {
				t.Errorf("wait duration %v is not whole milliseconds", op.Wait)
			}
		default:
			t.Fatalf("unknown operation kind %q", op.Kind)
		}
	}

	// A 5 minute target draws enough operations that both kinds appear.
	if transfers == 0 || waits == 0 {
		t.Errorf("expected both kinds in a long script, got %d transfers / %d waits", transfers, waits)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := Generate(testRand(42), 100*time.Second)

	path := filepath.Join(t.TempDir(), "run.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !reflect.DeepEqual(loaded, s) {
		t.Errorf("Load(Save(s)) != s:\n got %+v\nwant %+v", loaded, s)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load() of missing file returned nil error")
	}
}

func TestOperationJSONShape(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	tests := []struct {
		name string
		op   Operation
		want string
	}{
		{
			name: "transfer",
			op:   Operation{Kind: KindTransfer, Transfer: Transfer{To: to, Amount: 500}},
			want: `{"kind":"transfer","transfer":{"to":"0x00000000000000000000000000000000000000aa","amount":500}}`,
		},
		{
			name: "wait",
			op:   Operation{Kind: KindWait, Wait: 1500 * time.Millisecond},
			want: `{"kind":"wait","waitMs":1500}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.op)
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}
			if !strings.EqualFold(string(data), tt.want) {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}

			var back Operation
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if back != tt.op {
				t.Errorf("round trip = %+v, want %+v", back, tt.op)
			}
		})
	}
}

func TestOperationUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "unknown kind", data: `{"kind":"deploy"}`},
		{name: "transfer without body", data: `{"kind":"transfer"}`},
		{name: "wait without duration", data: `{"kind":"wait"}`},
		{name: "negative wait", data: `{"kind":"wait","waitMs":-5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var op Operation
			if err := json.Unmarshal([]byte(tt.data), &op); err == nil {
				t.Errorf("Unmarshal(%s) returned nil error", tt.data)
			}
		})
	}
}

func TestTotalWaitIgnoresTransfers(t *testing.T) {
	s := Script{
		{Kind: KindTransfer, Transfer: Transfer{Amount: 10}},
		{Kind: KindWait, Wait: 2 * time.Second},
		{Kind: KindTransfer, Transfer: Transfer{Amount: 20}},
		{Kind: KindWait, Wait: 500 * time.Millisecond},
	}

	if got, want := s.TotalWait(), 2500*time.Millisecond; got != want {
		t.Errorf("TotalWait() = %v, want %v", got, want)
	}
	if got := s.Transfers(); got != 2 {
		t.Errorf("Transfers() = %d, want 2", got)
	}
}
