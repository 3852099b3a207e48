package history

import (
	"encoding/json"
	"fmt"
)

// DecodeRecord rebuilds a record of kind k from its JSON form.
func DecodeRecord(k Kind, data []byte) (Record, error) {
	var (
		rec Record
		err error
	)
	switch k {
	case KindDeposit:
		rec, err = decodeAs[DepositRecord](data)
	case KindTrade:
		rec, err = decodeAs[TradeRecord](data)
	case KindOrder:
		rec, err = decodeAs[OrderRecord](data)
	case KindFundingPayment:
		rec, err = decodeAs[FundingPaymentRecord](data)
	case KindFundingRate:
		rec, err = decodeAs[FundingRateRecord](data)
	case KindLiquidation:
		rec, err = decodeAs[LiquidationRecord](data)
	case KindCurve:
		rec, err = decodeAs[CurveRecord](data)
	default:
		return nil, fmt.Errorf("unknown history stream %q", k)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s record: %w", k, err)
	}
	return rec, nil
}

func decodeAs[T Record](data []byte) (Record, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalJSON decodes the record by its kind.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     uint64          `json:"id"`
		Kind   Kind            `json:"kind"`
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec, err := DecodeRecord(raw.Kind, raw.Record)
	if err != nil {
		return err
	}
	*e = Entry{ID: raw.ID, Kind: raw.Kind, Record: rec}
	return nil
}
