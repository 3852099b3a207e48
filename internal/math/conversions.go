package math

// AssetToReserveAmount converts a quote amount (QuotePrecision) into curve
// reserve units by dividing out the peg.
func AssetToReserveAmount(quoteAssetAmount, pegMultiplier U128) (U128, error) {
	return MulDiv(quoteAssetAmount, AMMTimesPegToQuotePrecisionU, pegMultiplier)
}

// ReserveToAssetAmount converts curve reserve units back into QuotePrecision.
func ReserveToAssetAmount(quoteAssetReserve, pegMultiplier U128) (U128, error) {
	return MulDiv(quoteAssetReserve, pegMultiplier, AMMTimesPegToQuotePrecisionU)
}

// UpdatedCollateral applies a signed pnl to collateral, flooring at zero.
func UpdatedCollateral(collateral U128, pnl I128) (U128, error) {
	if pnl.IsNegative() {
		return collateral.SaturatingSub(pnl.Abs()), nil
	}
	return collateral.Add(pnl.Abs())
}
