package fixedpoint

import (
	"math/big"
	"testing"
)

func TestMulDiv(t *testing.T) {
	got := MulDiv(big.NewInt(10), big.NewInt(3), big.NewInt(2))
	if got.Cmp(big.NewInt(15)) != 0 {
		t.Errorf("MulDiv(10,3,2) = %s, want 15", got)
	}
}

func TestMulDivByZero(t *testing.T) {
	got := MulDiv(big.NewInt(10), big.NewInt(3), big.NewInt(0))
	if got.Sign() != 0 {
		t.Errorf("MulDiv by zero divisor = %s, want 0", got)
	}
}

func TestPnLLong(t *testing.T) {
	entry := big.NewInt(50_000)
	mark := big.NewInt(51_000)
	size := PriceScale // 1.0 in SIZE_SCALE
	pnl := PnL(entry, mark, size, true)
	if pnl.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("long PnL = %s, want 1000", pnl)
	}
}

func TestPnLShort(t *testing.T) {
	entry := big.NewInt(50_000)
	mark := big.NewInt(51_000)
	size := PriceScale
	pnl := PnL(entry, mark, size, false)
	if pnl.Cmp(big.NewInt(-1_000)) != 0 {
		t.Errorf("short PnL = %s, want -1000", pnl)
	}
}

func TestNotional(t *testing.T) {
	size := new(big.Int).Mul(big.NewInt(2), PriceScale) // 2.0
	price := big.NewInt(100)
	got := Notional(size, price)
	if got.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("Notional = %s, want 200", got)
	}
}

func TestBpsOf(t *testing.T) {
	got := BpsOf(big.NewInt(10_000), 50) // 0.5% of 10000
	if got.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("BpsOf = %s, want 50", got)
	}
}

func TestParseDecimal(t *testing.T) {
	got := ParseDecimal("1.5", PriceScale, big.NewInt(0))
	want := new(big.Int).Div(new(big.Int).Mul(big.NewInt(3), PriceScale), big.NewInt(2))
	if got.Cmp(want) != 0 {
		t.Errorf("ParseDecimal(1.5) = %s, want %s", got, want)
	}
}

func TestParseDecimalFallback(t *testing.T) {
	fallback := big.NewInt(42)
	got := ParseDecimal("not-a-number", PriceScale, fallback)
	if got.Cmp(fallback) != 0 {
		t.Errorf("ParseDecimal(garbage) = %s, want fallback %s", got, fallback)
	}
}

func TestParseDecimalEmpty(t *testing.T) {
	fallback := big.NewInt(7)
	got := ParseDecimal("", PriceScale, fallback)
	if got.Cmp(fallback) != 0 {
		t.Errorf("ParseDecimal(empty) = %s, want fallback %s", got, fallback)
	}
}

func TestTruncateToScoreOverflow(t *testing.T) {
	huge := new(big.Int).Mul(MaxTriggerScore, big.NewInt(2))
	_, overflow := TruncateToScore(huge)
	if !overflow {
		t.Error("expected overflow for price beyond MaxTriggerScore")
	}
}

func TestTruncateToScoreNormal(t *testing.T) {
	price := new(big.Int).Mul(big.NewInt(50_000), PriceScale)
	score, overflow := TruncateToScore(price)
	if overflow {
		t.Fatal("unexpected overflow for a normal price")
	}
	if score <= 0 {
		t.Errorf("score = %f, want positive", score)
	}
}

func TestAbs(t *testing.T) {
	if Abs(big.NewInt(-5)).Cmp(big.NewInt(5)) != 0 {
		t.Error("Abs(-5) != 5")
	}
	if Abs(big.NewInt(5)).Cmp(big.NewInt(5)) != 0 {
		t.Error("Abs(5) != 5")
	}
}
