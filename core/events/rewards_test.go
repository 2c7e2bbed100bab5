package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type capturingEmitter struct {
	events []Event
}

func (c *capturingEmitter) Emit(e Event) { c.events = append(c.events, e) }

func TestKeepRewardClaimedAttributes(t *testing.T) {
	keep := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	a := common.HexToAddress("0x0000000000000000000000000000000000000001")
	b := common.HexToAddress("0x0000000000000000000000000000000000000002")
	evt := KeepRewardClaimed{
		Keep:          keep,
		Interval:      3,
		Share:         big.NewInt(66666),
		PerMember:     big.NewInt(33333),
		Beneficiaries: []common.Address{a, b},
	}.Event()
	if evt.Type != TypeKeepClaimed {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Attr("interval") != "3" || evt.Attr("share") != "66666" || evt.Attr("perMember") != "33333" {
		t.Fatalf("unexpected attributes %+v", evt.Attributes)
	}
	if evt.Attr("beneficiaries") != a.Hex()+","+b.Hex() {
		t.Fatalf("unexpected beneficiaries %s", evt.Attr("beneficiaries"))
	}
}

func TestMultiEmitterSkipsNil(t *testing.T) {
	first := &capturingEmitter{}
	second := &capturingEmitter{}
	multi := MultiEmitter{first, nil, second}
	multi.Emit(RewardsFunded{Amount: nil})
	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("expected both emitters to receive the event")
	}
	if got := first.events[0].Event().Attr("amount"); got != "0" {
		t.Fatalf("nil amount should render as 0, got %q", got)
	}
}
