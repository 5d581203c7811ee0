package services

import (
	"strings"
	"unicode"

	"github.com/LovationAdmin/household-budget/utils"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeCurrent    AccountType = "CURRENT"
	AccountTypeSavings    AccountType = "SAVINGS"
	AccountTypeCreditCard AccountType = "CREDIT_CARD"
	AccountTypeLoan       AccountType = "LOAN"
	AccountTypeOther      AccountType = "OTHER"
)

type TransactionType string

const (
	TransactionTypeCardPayment TransactionType = "CARD_PAYMENT"
	TransactionTypeTransfer    TransactionType = "TRANSFER"
	TransactionTypeATM         TransactionType = "ATM"
	TransactionTypeFee         TransactionType = "FEE"
	TransactionTypeTopUp       TransactionType = "TOPUP"
	TransactionTypeExchange    TransactionType = "EXCHANGE"
	TransactionTypeRefund      TransactionType = "REFUND"
	TransactionTypeDirectDebit TransactionType = "DIRECT_DEBIT"
	TransactionTypeInterest    TransactionType = "INTEREST"
	TransactionTypeOther       TransactionType = "OTHER"
)

// CreditDebit is the vendor's direction flag on amounts.
type CreditDebit string

const (
	Credit CreditDebit = "CRDT"
	Debit  CreditDebit = "DBIT"
)

// Rules are checked in order; the first needle found in the normalized
// vendor code wins. CARD_REFUND must hit REFUND before CARD, CREDIT_CARD
// must hit CARD before anything matching CURRENT. Whole rules only match
// complete "_" separated words, so TREATMENT is not an ATM and COFFEE is
// not a FEE.
type classifyRule[T any] struct {
	needle string
	kind   T
	whole  bool
}

func (r classifyRule[T]) matches(normalized string) bool {
	if r.whole {
		return strings.Contains("_"+normalized+"_", "_"+r.needle+"_")
	}
	return strings.Contains(normalized, r.needle)
}

var accountTypeRules = []classifyRule[AccountType]{
	{needle: "SAVING", kind: AccountTypeSavings},
	{needle: "SVGS", kind: AccountTypeSavings},
	{needle: "CARD", kind: AccountTypeCreditCard},
	{needle: "CREDIT", kind: AccountTypeCreditCard},
	{needle: "LOAN", kind: AccountTypeLoan},
	{needle: "MORTGAGE", kind: AccountTypeLoan},
	{needle: "CURRENT", kind: AccountTypeCurrent},
	{needle: "CACC", kind: AccountTypeCurrent},
	{needle: "CHECKING", kind: AccountTypeCurrent},
	{needle: "PERSONAL", kind: AccountTypeCurrent},
	{needle: "BUSINESS", kind: AccountTypeCurrent},
}

var transactionTypeRules = []classifyRule[TransactionType]{
	{needle: "REFUND", kind: TransactionTypeRefund},
	{needle: "REVERSAL", kind: TransactionTypeRefund},
	{needle: "ATM", kind: TransactionTypeATM, whole: true},
	{needle: "CASH_WITHDRAWAL", kind: TransactionTypeATM},
	{needle: "CARD", kind: TransactionTypeCardPayment},
	{needle: "DIRECT_DEBIT", kind: TransactionTypeDirectDebit},
	{needle: "DIRECTDEBIT", kind: TransactionTypeDirectDebit},
	{needle: "MANDATE", kind: TransactionTypeDirectDebit},
	{needle: "EXCHANGE", kind: TransactionTypeExchange},
	{needle: "FX", kind: TransactionTypeExchange, whole: true},
	{needle: "TOPUP", kind: TransactionTypeTopUp},
	{needle: "TOP_UP", kind: TransactionTypeTopUp},
	{needle: "FEE", kind: TransactionTypeFee, whole: true},
	{needle: "FEES", kind: TransactionTypeFee, whole: true},
	{needle: "CHARGE", kind: TransactionTypeFee},
	{needle: "INTEREST", kind: TransactionTypeInterest},
	{needle: "TRANSFER", kind: TransactionTypeTransfer},
	{needle: "PAYMENT", kind: TransactionTypeTransfer},
}

var transactionCategories = map[TransactionType]string{
	TransactionTypeCardPayment: "Shopping",
	TransactionTypeTransfer:    "Transfers",
	TransactionTypeATM:         "Cash",
	TransactionTypeFee:         "Fees",
	TransactionTypeTopUp:       "Income",
	TransactionTypeExchange:    "Transfers",
	TransactionTypeRefund:      "Refunds",
	TransactionTypeDirectDebit: "Bills",
	TransactionTypeInterest:    "Income",
}

const defaultCategory = "Other"

// normalizeVendorCode upper-cases code and turns spaces, dashes and
// camelCase boundaries into "_": "DirectDebit" becomes DIRECT_DEBIT.
func normalizeVendorCode(code string) string {
	code = strings.TrimSpace(code)

	var b strings.Builder
	var prev rune
	for _, r := range code {
		if unicode.IsLower(prev) && unicode.IsUpper(r) {
			b.WriteByte('_')
		}
		b.WriteRune(r)
		prev = r
	}
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToUpper(b.String()))
}

// ClassifyAccountType maps a vendor account type code onto AccountType.
func ClassifyAccountType(code string) AccountType {
	normalized := normalizeVendorCode(code)
	if normalized == "" {
		return AccountTypeOther
	}
	for _, rule := range accountTypeRules {
		if rule.matches(normalized) {
			return rule.kind
		}
	}
	utils.SafeDebug("[Revolut] unmapped account type %q, using %s", code, AccountTypeOther)
	return AccountTypeOther
}

// ClassifyTransactionType maps a vendor transaction code onto TransactionType.
func ClassifyTransactionType(code string) TransactionType {
	normalized := normalizeVendorCode(code)
	if normalized == "" {
		return TransactionTypeOther
	}
	for _, rule := range transactionTypeRules {
		if rule.matches(normalized) {
			return rule.kind
		}
	}
	utils.SafeDebug("[Revolut] unmapped transaction type %q, using %s", code, TransactionTypeOther)
	return TransactionTypeOther
}

// CategoryForTransactionType returns the display category, "Other" when unmapped.
func CategoryForTransactionType(t TransactionType) string {
	if category, ok := transactionCategories[t]; ok {
		return category
	}
	return defaultCategory
}

// ParseCreditDebit accepts the ISO codes and their long forms.
func ParseCreditDebit(indicator string) (CreditDebit, bool) {
	switch strings.ToUpper(strings.TrimSpace(indicator)) {
	case "CRDT", "CREDIT":
		return Credit, true
	case "DBIT", "DEBIT":
		return Debit, true
	}
	return "", false
}

// SignedAmount turns a vendor magnitude into a signed amount: debits negative.
// An unknown indicator leaves the amount as the vendor sent it.
func SignedAmount(amount decimal.Decimal, indicator string) decimal.Decimal {
	switch cd, _ := ParseCreditDebit(indicator); cd {
	case Debit:
		return amount.Abs().Neg()
	case Credit:
		return amount.Abs()
	}
	return amount
}
