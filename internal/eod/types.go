package eod

// tradeLine is the subset of a trade log entry the summary reads.
type tradeLine struct {
	Kind   string  `json:"kind"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Qty    int     `json:"qty"`
	Price  float64 `json:"price"`
	PnL    float64 `json:"pnl"`
}

// aggRow is one symbol's line in the EOD CSV.
type aggRow struct {
	Symbol      string  `csv:"symbol"`
	Fills       int     `csv:"fills"`
	BuyQty      int     `csv:"buy_qty"`
	BuyAvg      float64 `csv:"buy_avg"`
	SellQty     int     `csv:"sell_qty"`
	SellAvg     float64 `csv:"sell_avg"`
	RealizedPnL float64 `csv:"realized_pnl"`
	BuyValue    float64 `csv:"gross_buy_value"`
	SellValue   float64 `csv:"gross_sell_value"`
}
