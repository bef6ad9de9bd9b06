package apiserver

import (
	"github.com/coldbell/keyvault/backend/internal/indexer"
	"github.com/shopspring/decimal"
)

const lamportsPerSOLExp = 9

type positionView struct {
	indexer.PositionRecord
	DepositedSOL      string `json:"deposited_sol"`
	DebtSOL           string `json:"debt_sol"`
	BorrowCapacitySOL string `json:"borrow_capacity_sol"`
	FloorPriceSOL     string `json:"floor_price_sol"`
	FundingSOL        string `json:"funding_sol"`
}

func newPositionView(record indexer.PositionRecord) positionView {
	return positionView{
		PositionRecord:    record,
		DepositedSOL:      lamportsToSOL(record.DepositedValue),
		DebtSOL:           lamportsToSOL(record.Debt),
		BorrowCapacitySOL: lamportsToSOL(record.BorrowCapacity),
		FloorPriceSOL:     lamportsToSOL(record.FloorPrice),
		FundingSOL:        lamportsToSOL(record.FundingBalance),
	}
}

// lamportsToSOL renders a base-10 lamport amount as SOL. Empty or malformed
// input renders as "".
func lamportsToSOL(raw string) string {
	if raw == "" {
		return ""
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return ""
	}
	return value.Shift(-lamportsPerSOLExp).String()
}
