package math

// Fixed-point scales shared by every engine package.
const (
	MarkPricePrecision      uint64 = 10_000_000_000     // 1e10
	AMMReservePrecision     uint64 = 10_000_000_000_000 // 1e13
	PegPrecision            uint64 = 1_000              // 1e3
	QuotePrecision          uint64 = 1_000_000          // 1e6
	FundingPaymentPrecision uint64 = 10_000             // 1e4
	MarginPrecision         uint64 = 10_000             // 1e4

	PriceToPegPrecisionRatio          = MarkPricePrecision / PegPrecision                   // 1e7
	AMMToQuotePrecisionRatio          = AMMReservePrecision / QuotePrecision                // 1e7
	PriceToQuotePrecisionRatio        = MarkPricePrecision / QuotePrecision                 // 1e4
	AMMTimesPegToQuotePrecisionRatio  = AMMReservePrecision * PegPrecision / QuotePrecision // 1e10
	MarkPriceTimesAMMToQuotePrecision = MarkPricePrecision * AMMToQuotePrecisionRatio       // 1e17

	// Share of total_fee that repeg and K adjustments may never spend.
	ShareOfFeesAllocatedToClearingHouseNumerator   uint64 = 1
	ShareOfFeesAllocatedToClearingHouseDenominator uint64 = 2

	// Spread percentages are expressed on a <<10 scale.
	SpreadPctScale uint64 = 1 << 10

	OneHour int64 = 3600
	OneDay  int64 = 24 * OneHour

	DefaultMinimumTradeSize uint64 = 10_000_000
)

var (
	U128Zero = U128{}
	U128One  = NewU128(1)
	I128Zero = I128{}
)

// Precision constants as U128 for use in formulas.
var (
	MarkPricePrecisionU          = NewU128(MarkPricePrecision)
	AMMReservePrecisionU         = NewU128(AMMReservePrecision)
	PegPrecisionU                = NewU128(PegPrecision)
	QuotePrecisionU              = NewU128(QuotePrecision)
	MarginPrecisionU             = NewU128(MarginPrecision)
	PriceToPegPrecisionRatioU    = NewU128(PriceToPegPrecisionRatio)
	AMMToQuotePrecisionRatioU    = NewU128(AMMToQuotePrecisionRatio)
	PriceToQuotePrecisionRatioU  = NewU128(PriceToQuotePrecisionRatio)
	AMMTimesPegToQuotePrecisionU = NewU128(AMMTimesPegToQuotePrecisionRatio)
	FundingPaymentPrecisionU     = NewU128(FundingPaymentPrecision)
	MarkPriceTimesAMMToQuoteU    = NewU128(MarkPriceTimesAMMToQuotePrecision)
	MarkPricePrecisionI          = NewI128(int64(MarkPricePrecision))
	AMMToQuotePrecisionRatioI    = NewI128(int64(AMMToQuotePrecisionRatio))
	FundingPaymentPrecisionI     = NewI128(int64(FundingPaymentPrecision))
	SpreadPctScaleI              = NewI128(int64(SpreadPctScale))
)
