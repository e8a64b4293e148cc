package domain

// ─── Billing Rules ──────────────────────────────────────────────────────────

const (
	// ReserveMinutes is how many minutes at the expert's rate a caller must
	// hold to start a session.
	ReserveMinutes = 5

	// Expert share of the actual debit, as a fraction.
	ExpertShareNumerator   = 9
	ExpertShareDenominator = 10
)

// Reserve is the minimum balance needed to initiate at rate.
func Reserve(ratePerMinute int64) int64 { return ReserveMinutes * ratePerMinute }

// BillableMinutes rounds a connected duration up to whole minutes. A
// connected call always bills at least one minute.
func BillableMinutes(durationSeconds int64) int64 {
	if durationSeconds <= 0 {
		return 1
	}
	m := (durationSeconds + 59) / 60
	if m < 1 {
		m = 1
	}
	return m
}

// Charge returns the billable minutes and nominal tokens for a connected call.
func Charge(durationSeconds, ratePerMinute int64) (minutes, tokens int64) {
	minutes = BillableMinutes(durationSeconds)
	return minutes, minutes * ratePerMinute
}

// ExpertShare is the expert's credit for an actual debit, floored.
func ExpertShare(debited int64) int64 {
	if debited <= 0 {
		return 0
	}
	return debited * ExpertShareNumerator / ExpertShareDenominator
}

// ClampDebit returns the amount a debit may actually take from balance.
func ClampDebit(requested, balance int64) int64 {
	if requested > balance {
		requested = balance
	}
	if requested < 0 {
		return 0
	}
	return requested
}

// WarningTier signals how close a connected caller is to running out.
type WarningTier string

const (
	WarnNone     WarningTier = "none"
	WarnTwoMin   WarningTier = "2min"
	WarnOneMin   WarningTier = "1min"
	WarnCritical WarningTier = "critical"
)

// BalanceStatus is the live funding view of a connected session.
type BalanceStatus struct {
	Balance          int64       `json:"balance"`
	ElapsedSeconds   int64       `json:"elapsed_seconds"`
	AccruedTokens    int64       `json:"accrued_tokens"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	RemainingMinutes int64       `json:"remaining_minutes"`
	Tier             WarningTier `json:"tier"`
	Exhausted        bool        `json:"exhausted"`
}

// ComputeBalanceStatus projects how long balance lasts at rate once
// elapsedSeconds of talk time have accrued. The accrued charge uses the same
// rounding as settlement, so Exhausted is set exactly when ending now would
// clamp the debit.
func ComputeBalanceStatus(balance, ratePerMinute, elapsedSeconds int64) BalanceStatus {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	_, accrued := Charge(elapsedSeconds, ratePerMinute)
	st := BalanceStatus{
		Balance:        balance,
		ElapsedSeconds: elapsedSeconds,
		AccruedTokens:  accrued,
	}
	if ratePerMinute <= 0 {
		st.RemainingSeconds = -1
		st.RemainingMinutes = -1
		st.Tier = WarnNone
		return st
	}
	// Total seconds the balance funds, minus what has been talked.
	funded := balance * 60 / ratePerMinute
	remaining := funded - elapsedSeconds
	if remaining < 0 {
		remaining = 0
	}
	st.RemainingSeconds = remaining
	st.RemainingMinutes = remaining / 60
	st.Exhausted = accrued > balance
	st.Tier = TierFor(remaining)
	if st.Exhausted {
		st.Tier = WarnCritical
	}
	return st
}

// TierFor maps remaining talk seconds to a warning tier.
func TierFor(remainingSeconds int64) WarningTier {
	switch {
	case remainingSeconds <= 30:
		return WarnCritical
	case remainingSeconds <= 60:
		return WarnOneMin
	case remainingSeconds <= 120:
		return WarnTwoMin
	default:
		return WarnNone
	}
}
