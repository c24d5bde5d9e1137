package model

import "testing"

func TestParseAction(t *testing.T) {
	cases := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"BUY", ActionBuy, false},
		{"buy", ActionBuy, false},
		{"LONG", ActionBuy, false},
		{"SELL", ActionSell, false},
		{"short", ActionSell, false},
		{"CLOSE", ActionClose, false},
		{"exit", ActionClose, false},
		{"Flat", ActionClose, false},
		{" buy ", ActionBuy, false},
		{"HOLD", "", true},
		{"", "", true},
		{"buy now", "", true},
	}
	for _, tc := range cases {
		got, err := ParseAction(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAction(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAction(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAction(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTradeStatusTerminal(t *testing.T) {
	terminal := []TradeStatus{StatusNoop, StatusFilled, StatusRejected, StatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TradeStatus{StatusSubmitted, StatusPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
