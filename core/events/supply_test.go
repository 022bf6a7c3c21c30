package events

import (
	"math/big"
	"testing"
)

func TestTokenSupplyEvent(t *testing.T) {
	evt := TokenSupply{
		Token:  " fiUSD ",
		Total:  big.NewInt(5000),
		Delta:  big.NewInt(250),
		Reason: SupplyReasonRebase,
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeTokenSupply {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["token"] != "fiUSD" {
		t.Fatalf("unexpected token attr: %s", evt.Attributes["token"])
	}
	if evt.Attributes["total"] != "5000" || evt.Attributes["delta"] != "250" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["reason"] != SupplyReasonRebase {
		t.Fatalf("unexpected reason: %s", evt.Attributes["reason"])
	}
	if _, ok := evt.Attributes["account"]; ok {
		t.Fatalf("rebase events carry no account")
	}
}

func TestLockEventType(t *testing.T) {
	lock := Lock{Token: "fiUSD", Account: "vc1x", Amount: big.NewInt(10)}
	if lock.EventType() != TypeLock {
		t.Fatalf("unexpected type %s", lock.EventType())
	}
	lock.Release = true
	evt := lock.Event()
	if evt.Type != TypeUnlock || evt.Attributes["locked"] != "0" {
		t.Fatalf("unexpected unlock event %+v", evt)
	}
}

func TestCollectorAndMulti(t *testing.T) {
	first, second := &Collector{}, &Collector{}
	fan := Multi{first, nil, second}
	fan.Emit(Transfer{Token: "fiUSD", Amount: big.NewInt(1)})
	fan.Emit(TreasuryRebase{Asset: "fiUSD"})
	if len(first.Events()) != 2 || len(second.Events()) != 2 {
		t.Fatalf("expected both collectors to receive events")
	}
	if got := first.OfType(TypeTreasuryRebase); len(got) != 1 {
		t.Fatalf("expected one rebase event, got %d", len(got))
	}
	first.Reset()
	if len(first.Events()) != 0 {
		t.Fatalf("reset did not clear events")
	}
}
