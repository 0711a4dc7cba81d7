package statements

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/errkind"
)

// Kind names a standardized statement.
type Kind string

const (
	BalanceSheet    Kind = "balance-sheet"
	IncomeStatement Kind = "income-statement"
	CashFlow        Kind = "cash-flow"
)

// Kinds returns every statement kind in report order.
func Kinds() []Kind {
	return []Kind{BalanceSheet, IncomeStatement, CashFlow}
}

// ParseKind accepts the kind names and their short forms. "all" and the
// empty string select every kind.
func ParseKind(s string) ([]Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return Kinds(), nil
	case "balance-sheet", "balance", "bs":
		return []Kind{BalanceSheet}, nil
	case "income-statement", "income", "is":
		return []Kind{IncomeStatement}, nil
	case "cash-flow", "cashflow", "cf":
		return []Kind{CashFlow}, nil
	}
	return nil, errkind.Validationf("parse statement", "unknown statement %q, want balance-sheet, income-statement, cash-flow or all", s)
}

// Line is one standardized row. The first of Tags the company reported for
// a period gives its value.
type Line struct {
	Key     string
	Name    string
	Section string
	Tags    []string

	// Unit defaults to USD.
	Unit string
}

// Derived is a row computed from the other rows of the same period. Expr
// refers to lines by Key.
type Derived struct {
	Key  string
	Name string
	Expr string
	Unit string
}

type Template struct {
	Kind Kind

	// Instant statements report balances at the end of a period, the others
	// report flows over it.
	Instant bool

	Lines []Line

	// Required lines are listed in Missing when a period lacks them. A
	// statement without any of them in any period is not reported.
	Required []string

	Derived []Derived
}

// DefaultTemplates map us-gaap concepts to the standard statement lines.
func DefaultTemplates() []Template {
	return []Template{balanceSheet(), incomeStatement(), cashFlow()}
}

func balanceSheet() Template {
	const (
		ca  = "Current Assets"
		nca = "Non Current Assets"
		cl  = "Current Liabilities"
		ncl = "Non Current Liabilities"
		eq  = "Equity"
	)
	return Template{
		Kind:    BalanceSheet,
		Instant: true,
		Lines: []Line{
			{Key: "cash", Name: "Cash and Equivalents", Section: ca, Tags: []string{"CashAndCashEquivalentsAtCarryingValue", "CashCashEquivalentsRestrictedCashAndRestrictedCashEquivalents"}},
			{Key: "short_term_investments", Name: "Short Term Investments", Section: ca, Tags: []string{"ShortTermInvestments", "MarketableSecuritiesCurrent"}},
			{Key: "accounts_receivable", Name: "Accounts Receivable", Section: ca, Tags: []string{"AccountsReceivableNetCurrent", "AccountsReceivableNet"}},
			{Key: "inventory", Name: "Inventory", Section: ca, Tags: []string{"InventoryNet"}},
			{Key: "prepaid_expenses", Name: "Prepaid Expenses", Section: ca, Tags: []string{"PrepaidExpenseCurrent", "PrepaidExpense"}},
			{Key: "other_current_assets", Name: "Other Current Assets", Section: ca, Tags: []string{"OtherAssetsCurrent"}},
			{Key: "total_current_assets", Name: "Total Current Assets", Section: ca, Tags: []string{"AssetsCurrent"}},
			{Key: "long_term_investments", Name: "Long Term Investments", Section: nca, Tags: []string{"LongTermInvestments", "MarketableSecuritiesNoncurrent"}},
			{Key: "property_plant_equipment", Name: "Property, Plant and Equipment", Section: nca, Tags: []string{"PropertyPlantAndEquipmentNet"}},
			{Key: "intangible_assets", Name: "Intangible Assets", Section: nca, Tags: []string{"IntangibleAssetsNetExcludingGoodwill", "IntangibleAssetsNet"}},
			{Key: "goodwill", Name: "Goodwill", Section: nca, Tags: []string{"Goodwill"}},
			{Key: "other_non_current_assets", Name: "Other Non Current Assets", Section: nca, Tags: []string{"OtherAssetsNoncurrent"}},
			{Key: "total_non_current_assets", Name: "Total Non Current Assets", Section: nca, Tags: []string{"AssetsNoncurrent"}},
			{Key: "total_assets", Name: "Total Assets", Tags: []string{"Assets"}},
			{Key: "accounts_payable", Name: "Accounts Payable", Section: cl, Tags: []string{"AccountsPayableCurrent"}},
			{Key: "short_term_debt", Name: "Short Term Debt", Section: cl, Tags: []string{"ShortTermBorrowings", "LongTermDebtCurrent"}},
			{Key: "accrued_expenses", Name: "Accrued Expenses", Section: cl, Tags: []string{"AccruedLiabilitiesCurrent"}},
			{Key: "deferred_revenue", Name: "Deferred Revenue", Section: cl, Tags: []string{"ContractWithCustomerLiabilityCurrent", "DeferredRevenueCurrent"}},
			{Key: "other_current_liabilities", Name: "Other Current Liabilities", Section: cl, Tags: []string{"OtherLiabilitiesCurrent"}},
			{Key: "total_current_liabilities", Name: "Total Current Liabilities", Section: cl, Tags: []string{"LiabilitiesCurrent"}},
			{Key: "long_term_debt", Name: "Long Term Debt", Section: ncl, Tags: []string{"LongTermDebtNoncurrent", "LongTermDebt"}},
			{Key: "deferred_tax_liabilities", Name: "Deferred Tax Liabilities", Section: ncl, Tags: []string{"DeferredTaxLiabilitiesNoncurrent", "DeferredIncomeTaxLiabilitiesNet"}},
			{Key: "pension_obligations", Name: "Pension Obligations", Section: ncl, Tags: []string{"PensionAndOtherPostretirementBenefitPlansLiabilitiesNoncurrent", "PensionAndOtherPostretirementBenefitPlansLiabilities"}},
			{Key: "other_non_current_liabilities", Name: "Other Non Current Liabilities", Section: ncl, Tags: []string{"OtherLiabilitiesNoncurrent"}},
			{Key: "total_non_current_liabilities", Name: "Total Non Current Liabilities", Section: ncl, Tags: []string{"LiabilitiesNoncurrent"}},
			{Key: "total_liabilities", Name: "Total Liabilities", Tags: []string{"Liabilities"}},
			{Key: "common_stock", Name: "Common Stock", Section: eq, Tags: []string{"CommonStockValue"}},
			{Key: "additional_paid_in_capital", Name: "Additional Paid In Capital", Section: eq, Tags: []string{"AdditionalPaidInCapital", "AdditionalPaidInCapitalCommonStock"}},
			{Key: "retained_earnings", Name: "Retained Earnings", Section: eq, Tags: []string{"RetainedEarningsAccumulatedDeficit"}},
			{Key: "treasury_stock", Name: "Treasury Stock", Section: eq, Tags: []string{"TreasuryStockValue", "TreasuryStockCommonValue"}},
			{Key: "accumulated_other_comprehensive_income", Name: "Accumulated Other Comprehensive Income", Section: eq, Tags: []string{"AccumulatedOtherComprehensiveIncomeLossNetOfTax"}},
			{Key: "non_controlling_interest", Name: "Non Controlling Interest", Section: eq, Tags: []string{"MinorityInterest"}},
			{Key: "total_equity", Name: "Total Stockholders Equity", Tags: []string{"StockholdersEquity", "StockholdersEquityIncludingPortionAttributableToNoncontrollingInterest"}},
		},
		Required: []string{"total_assets", "total_liabilities", "total_equity"},
		Derived: []Derived{
			{Key: "working_capital", Name: "Working Capital", Expr: "total_current_assets - total_current_liabilities", Unit: "USD"},
			{Key: "debt_to_equity", Name: "Debt to Equity Ratio", Expr: "total_liabilities / total_equity", Unit: "pure"},
		},
	}
}

func incomeStatement() Template {
	const (
		rev = "Revenue"
		opx = "Operating Expenses"
		oth = "Other Income and Expense"
		tax = "Income Taxes"
		eps = "Earnings per Share"
	)
	return Template{
		Kind: IncomeStatement,
		Lines: []Line{
			{Key: "revenue", Name: "Revenue", Section: rev, Tags: []string{"Revenues", "RevenueFromContractWithCustomerExcludingAssessedTax", "SalesRevenueNet"}},
			{Key: "cost_of_revenue", Name: "Cost of Revenue", Section: rev, Tags: []string{"CostOfGoodsAndServicesSold", "CostOfRevenue"}},
			{Key: "gross_profit", Name: "Gross Profit", Section: rev, Tags: []string{"GrossProfit"}},
			{Key: "selling_general_admin", Name: "Selling, General and Administrative", Section: opx, Tags: []string{"SellingGeneralAndAdministrativeExpense"}},
			{Key: "research_development", Name: "Research and Development", Section: opx, Tags: []string{"ResearchAndDevelopmentExpense"}},
			{Key: "depreciation_amortization", Name: "Depreciation and Amortization", Section: opx, Tags: []string{"DepreciationAndAmortization", "DepreciationDepletionAndAmortization"}},
			{Key: "other_operating_expenses", Name: "Other Operating Expenses", Section: opx, Tags: []string{"OtherOperatingExpenses"}},
			{Key: "operating_income", Name: "Operating Income", Tags: []string{"OperatingIncomeLoss"}},
			{Key: "interest_income", Name: "Interest Income", Section: oth, Tags: []string{"InvestmentIncomeInterest", "InterestIncome"}},
			{Key: "interest_expense", Name: "Interest Expense", Section: oth, Tags: []string{"InterestExpense", "InterestExpenseNonoperating"}},
			{Key: "other_non_operating", Name: "Other Non Operating Income", Section: oth, Tags: []string{"OtherNonoperatingIncomeExpense", "NonoperatingIncomeExpense"}},
			{Key: "income_before_tax", Name: "Income Before Tax", Tags: []string{
				"IncomeLossFromContinuingOperationsBeforeIncomeTaxesExtraordinaryItemsNoncontrollingInterest",
				"IncomeLossFromContinuingOperationsBeforeIncomeTaxesMinorityInterestAndIncomeLossFromEquityMethodInvestments",
			}},
			{Key: "income_tax", Name: "Income Tax Expense", Section: tax, Tags: []string{"IncomeTaxExpenseBenefit"}},
			{Key: "current_tax", Name: "Current Tax Expense", Section: tax, Tags: []string{"CurrentIncomeTaxExpenseBenefit"}},
			{Key: "deferred_tax", Name: "Deferred Tax Expense", Section: tax, Tags: []string{"DeferredIncomeTaxExpenseBenefit"}},
			{Key: "net_income", Name: "Net Income", Tags: []string{"NetIncomeLoss", "ProfitLoss"}},
			{Key: "eps_basic", Name: "Basic", Section: eps, Tags: []string{"EarningsPerShareBasic"}, Unit: "USD/shares"},
			{Key: "eps_diluted", Name: "Diluted", Section: eps, Tags: []string{"EarningsPerShareDiluted"}, Unit: "USD/shares"},
		},
		Required: []string{"revenue", "operating_income", "net_income"},
		Derived: []Derived{
			{Key: "gross_margin", Name: "Gross Profit Margin", Expr: "gross_profit / revenue * 100", Unit: "percent"},
			{Key: "operating_margin", Name: "Operating Margin", Expr: "operating_income / revenue * 100", Unit: "percent"},
			{Key: "net_margin", Name: "Net Profit Margin", Expr: "net_income / revenue * 100", Unit: "percent"},
		},
	}
}

func cashFlow() Template {
	const (
		op  = "Operating Activities"
		inv = "Investing Activities"
		fin = "Financing Activities"
	)
	return Template{
		Kind: CashFlow,
		Lines: []Line{
			{Key: "net_income", Name: "Net Income", Section: op, Tags: []string{"NetIncomeLoss", "ProfitLoss"}},
			{Key: "depreciation_amortization", Name: "Depreciation and Amortization", Section: op, Tags: []string{"DepreciationDepletionAndAmortization", "DepreciationAndAmortization"}},
			{Key: "stock_based_compensation", Name: "Stock Based Compensation", Section: op, Tags: []string{"ShareBasedCompensation"}},
			{Key: "deferred_taxes", Name: "Deferred Taxes", Section: op, Tags: []string{"DeferredIncomeTaxExpenseBenefit"}},
			{Key: "asset_impairment", Name: "Asset Impairment", Section: op, Tags: []string{"AssetImpairmentCharges"}},
			{Key: "gain_loss_on_sale", Name: "Gain or Loss on Sale of Assets", Section: op, Tags: []string{"GainLossOnSaleOfBusinessAssets", "GainLossOnDispositionOfAssets"}},
			{Key: "change_receivables", Name: "Change in Receivables", Section: op, Tags: []string{"IncreaseDecreaseInAccountsReceivable"}},
			{Key: "change_inventory", Name: "Change in Inventory", Section: op, Tags: []string{"IncreaseDecreaseInInventories"}},
			{Key: "change_payables", Name: "Change in Payables", Section: op, Tags: []string{"IncreaseDecreaseInAccountsPayable"}},
			{Key: "change_accrued_liabilities", Name: "Change in Accrued Liabilities", Section: op, Tags: []string{"IncreaseDecreaseInAccruedLiabilities"}},
			{Key: "net_cash_operating", Name: "Net Cash from Operating Activities", Section: op, Tags: []string{"NetCashProvidedByUsedInOperatingActivities"}},
			{Key: "capital_expenditures", Name: "Capital Expenditures", Section: inv, Tags: []string{"PaymentsToAcquirePropertyPlantAndEquipment"}},
			{Key: "acquisitions", Name: "Acquisitions", Section: inv, Tags: []string{"PaymentsToAcquireBusinessesNetOfCashAcquired"}},
			{Key: "purchases_of_investments", Name: "Purchases of Investments", Section: inv, Tags: []string{"PaymentsToAcquireInvestments", "PaymentsToAcquireAvailableForSaleSecuritiesDebt"}},
			{Key: "sales_of_investments", Name: "Sales of Investments", Section: inv, Tags: []string{"ProceedsFromSaleAndMaturityOfInvestments", "ProceedsFromSaleMaturityAndCollectionsOfInvestments"}},
			{Key: "net_cash_investing", Name: "Net Cash from Investing Activities", Section: inv, Tags: []string{"NetCashProvidedByUsedInInvestingActivities"}},
			{Key: "debt_issuance", Name: "Debt Issuance", Section: fin, Tags: []string{"ProceedsFromIssuanceOfLongTermDebt", "ProceedsFromIssuanceOfDebt"}},
			{Key: "debt_repayment", Name: "Debt Repayment", Section: fin, Tags: []string{"RepaymentsOfLongTermDebt", "RepaymentsOfDebt"}},
			{Key: "stock_issuance", Name: "Stock Issuance", Section: fin, Tags: []string{"ProceedsFromIssuanceOfCommonStock"}},
			{Key: "stock_repurchase", Name: "Stock Repurchase", Section: fin, Tags: []string{"PaymentsForRepurchaseOfCommonStock"}},
			{Key: "dividends_paid", Name: "Dividends Paid", Section: fin, Tags: []string{"PaymentsOfDividends", "PaymentsOfDividendsCommonStock"}},
			{Key: "net_cash_financing", Name: "Net Cash from Financing Activities", Section: fin, Tags: []string{"NetCashProvidedByUsedInFinancingActivities"}},
			{Key: "net_change_in_cash", Name: "Net Change in Cash", Tags: []string{
				"CashCashEquivalentsRestrictedCashAndRestrictedCashEquivalentsPeriodIncreaseDecreaseIncludingExchangeRateEffect",
				"CashAndCashEquivalentsPeriodIncreaseDecrease",
			}},
		},
		Required: []string{"net_cash_operating"},
		Derived: []Derived{
			{Key: "free_cash_flow", Name: "Free Cash Flow", Expr: "net_cash_operating - capital_expenditures", Unit: "USD"},
		},
	}
}

type compiledDerived struct {
	Derived
	expr *govaluate.EvaluableExpression
	vars []string
}

type compiledTemplate struct {
	Template
	derived []compiledDerived
}

func compileTemplate(t Template) (*compiledTemplate, error) {
	if t.Kind == "" {
		return nil, errors.New("template without kind")
	}
	keys := make(map[string]bool, len(t.Lines))
	for i := range t.Lines {
		l := &t.Lines[i]
		if l.Key == "" || keys[l.Key] {
			return nil, fmt.Errorf("%s: empty or duplicate line key %q", t.Kind, l.Key)
		}
		keys[l.Key] = true
		if len(l.Tags) == 0 {
			return nil, fmt.Errorf("%s: line %s has no tags", t.Kind, l.Key)
		}
		for _, tag := range l.Tags {
			if err := edgar.ValidateTag(tag); err != nil {
				return nil, fmt.Errorf("%s: line %s: %w", t.Kind, l.Key, err)
			}
		}
		if l.Unit == "" {
			l.Unit = "USD"
		}
	}
	for _, k := range t.Required {
		if !keys[k] {
			return nil, fmt.Errorf("%s: required line %s is not defined", t.Kind, k)
		}
	}

	ct := &compiledTemplate{Template: t}
	for _, d := range t.Derived {
		if d.Key == "" || keys[d.Key] {
			return nil, fmt.Errorf("%s: empty or duplicate line key %q", t.Kind, d.Key)
		}
		keys[d.Key] = true
		expr, err := govaluate.NewEvaluableExpression(d.Expr)
		if err != nil {
			return nil, fmt.Errorf("%s: derived line %s: %w", t.Kind, d.Key, err)
		}
		vars := expr.Vars()
		if len(vars) == 0 {
			return nil, fmt.Errorf("%s: derived line %s names no line", t.Kind, d.Key)
		}
		for _, v := range vars {
			if !t.hasLine(v) {
				return nil, fmt.Errorf("%s: derived line %s refers to unknown line %s", t.Kind, d.Key, v)
			}
		}
		ct.derived = append(ct.derived, compiledDerived{Derived: d, expr: expr, vars: vars})
	}
	return ct, nil
}

func (t *Template) hasLine(key string) bool {
	for _, l := range t.Lines {
		if l.Key == key {
			return true
		}
	}
	return false
}

// eval computes d from vals. ok is false if an input is missing or the
// result is undefined.
func (d *compiledDerived) eval(vals map[string]float64) (float64, bool) {
	params := make(map[string]interface{}, len(d.vars))
	for _, v := range d.vars {
		x, ok := vals[v]
		if !ok {
			return 0, false
		}
		params[v] = x
	}
	r, err := d.expr.Evaluate(params)
	if err != nil {
		return 0, false
	}
	f, ok := r.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
