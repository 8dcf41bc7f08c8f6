package feed

import (
	"errors"
	"testing"

	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
	}{
		{
			name:  "selection with null option",
			frame: `{"type":"selection","stock":"NIFTY","optionKey":null,"intervals":["5m","15m"]}`,
			check: func(t *testing.T, m Message) {
				sel := m.(SelectionMessage).Selection()
				assert.Equal(t, "NIFTY", sel.Stock)
				assert.Nil(t, sel.OptionKey)
				assert.Equal(t, []string{"5m", "15m"}, sel.Intervals)
			},
		},
		{
			name:  "chart snapshot",
			frame: `{"type":"chart.snapshot","symbol":"NIFTY","bundles":{"5m":[{"time":100,"open":1,"high":2,"low":0.5,"close":1.5}]},"lastTick":{"time":105,"price":1.6},"indicators":{"rsi":55}}`,
			check: func(t *testing.T, m Message) {
				snap := m.(ChartSnapshotMessage)
				require.Len(t, snap.Bundles["5m"], 1)
				assert.Equal(t, int64(100), snap.Bundles["5m"][0].Time)
				require.NotNil(t, snap.LastTick)
				assert.Equal(t, 1.6, snap.LastTick.Price)
				require.NotNil(t, snap.Indicators)
				assert.Equal(t, 55.0, *snap.Indicators.RSI)
				assert.Nil(t, snap.Indicators.EMA20)
			},
		},
		{
			name:  "chart update",
			frame: `{"type":"chart.update","key":"NIFTY:5m","bar":{"time":300,"open":1,"high":1,"low":1,"close":1}}`,
			check: func(t *testing.T, m Message) {
				u := m.(ChartUpdateMessage)
				assert.Equal(t, "NIFTY:5m", u.Key)
				assert.Equal(t, int64(300), u.Bar.Time)
				assert.Nil(t, u.Indicators)
			},
		},
		{
			name:  "chart history",
			frame: `{"type":"chart.history","key":"NIFTY:1d","data":[]}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, "NIFTY:1d", m.(ChartHistoryMessage).Key)
			},
		},
		{
			name:  "chain slice",
			frame: `{"type":"chain.slice","underlying":"NIFTY","atm":24000,"spot_price":24012.5,"last_updated":1700000000,"rows":[{"strike":24000,"call":{"ltp":120,"oi":1000},"put":{"ltp":110,"oi":900},"expiry":"2024-12-26"}]}`,
			check: func(t *testing.T, m Message) {
				c := m.(ChainSliceMessage)
				assert.Equal(t, "NIFTY", c.Underlying)
				assert.Equal(t, "2024-12-26", c.SliceExpiry())
				require.Len(t, c.Rows, 1)
				assert.Equal(t, 120.0, c.Rows[0].Call.LTP)
			},
		},
		{
			name:  "order update",
			frame: `{"type":"order.update","order":{"id":"A1","symbol":"NIFTY","side":"BUY","quantity":50,"price":0,"order_type":"MARKET","product":"MIS","status":"OPEN"}}`,
			check: func(t *testing.T, m Message) {
				o := m.(OrderUpdateMessage).Order
				assert.Equal(t, "A1", o.ID)
				assert.Equal(t, models.OrderTypeMarket, o.Type)
				assert.Equal(t, models.OrderStatusOpen, o.Status)
			},
		},
		{
			name:  "account without positions",
			frame: `{"type":"account","margin":{"equity":{"enabled":true,"net":5000}}}`,
			check: func(t *testing.T, m Message) {
				a := m.(AccountMessage)
				assert.Equal(t, 5000.0, a.Margin.Equity.Net)
				assert.Nil(t, a.Positions)
				assert.Nil(t, a.Margin.Commodity)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		unknown bool
	}{
		{name: "not json", frame: `{"type":`},
		{name: "array", frame: `[1,2]`},
		{name: "missing type", frame: `{"stock":"NIFTY"}`},
		{name: "numeric type", frame: `{"type":7}`},
		{name: "empty type", frame: `{"type":""}`},
		{name: "unknown type", frame: `{"type":"depth.update","key":"x"}`, unknown: true},
		{name: "missing required field", frame: `{"type":"chart.update","key":"NIFTY:5m"}`},
		{name: "null required field", frame: `{"type":"chart.history","key":"NIFTY:5m","data":null}`},
		{name: "selection without optionKey", frame: `{"type":"selection","stock":"NIFTY","intervals":[]}`},
		{name: "mistyped primitive", frame: `{"type":"chart.update","key":"NIFTY:5m","bar":{"time":"soon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.Nil(t, m)

			var decodeErr *models.DecodeError
			assert.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.unknown, errors.Is(err, models.ErrUnknownType))
		})
	}
}
