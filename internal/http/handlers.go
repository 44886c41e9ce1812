package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
	"bolsillo/internal/services"
)

// Accounts

type createAccountRequest struct {
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Currency string `json:"currency"`
}

type accountResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

func toAccountResponse(a core.Account) accountResponse {
	return accountResponse{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Name:      a.Name,
		Kind:      string(a.Kind),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	account, err := s.accounts.Create(r.Context(), req.OwnerID, req.Name,
		core.AccountKind(req.Kind), core.Currency(strings.ToUpper(req.Currency)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, fmt.Errorf("%w: owner_id query parameter required", core.ErrValidation))
		return
	}

	accounts, err := s.accounts.List(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type balanceResponse struct {
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	IsPrimary bool            `json:"is_primary"`
}

func (s *Server) handleAccountBalances(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	if _, err := s.accounts.Get(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}
	balances, err := s.accounts.Balances(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceResponse{
			Currency:  string(b.Currency),
			Balance:   b.Balance,
			IsPrimary: b.IsPrimary,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type addCurrencyRequest struct {
	Currency string `json:"currency"`
}

func (s *Server) handleAddCurrency(w http.ResponseWriter, r *http.Request) {
	var req addCurrencyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	currency := core.Currency(strings.ToUpper(req.Currency))
	if err := s.accounts.AddCurrency(r.Context(), r.PathValue("id"), currency); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, balanceResponse{Currency: string(currency)})
}

// Pockets

// pocketRequest is the flat configuration payload. Fields irrelevant to the
// declared type/subtype are ignored by validation.
type pocketRequest struct {
	OwnerID      string `json:"owner_id"`
	Name         string `json:"name"`
	Emoji        string `json:"emoji"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	AccountID    string `json:"account_id"`
	Currency     string `json:"currency"`
	StartsAt     string `json:"starts_at"`
	EndsAt       string `json:"ends_at"`
	DurationDays int    `json:"duration_days"`

	TargetAmount     string `json:"target_amount"`
	Frequency        string `json:"frequency"`
	AllowWithdrawals bool   `json:"allow_withdrawals"`

	AllocatedAmount string `json:"allocated_amount"`

	AverageAmount          string `json:"average_amount"`
	NotificationDaysBefore int    `json:"notification_days_before"`

	MonthlyAmount string `json:"monthly_amount"`
	AutoRegister  bool   `json:"auto_register"`

	OriginalAmount    string `json:"original_amount"`
	InstallmentsTotal int    `json:"installments_total"`
	InstallmentAmount string `json:"installment_amount"`
	InterestRate      string `json:"interest_rate"`
	AutomaticPayment  bool   `json:"automatic_payment"`
	PaymentAccountID  string `json:"payment_account_id"`

	DueDay int `json:"due_day"`
}

func (req pocketRequest) toConfig() (core.PocketConfig, error) {
	cfg := core.PocketConfig{
		OwnerID:                req.OwnerID,
		Name:                   req.Name,
		Emoji:                  req.Emoji,
		Type:                   core.PocketType(req.Type),
		Subtype:                core.ExpenseSubtype(req.Subtype),
		AccountID:              req.AccountID,
		Currency:               core.Currency(strings.ToUpper(req.Currency)),
		DurationDays:           req.DurationDays,
		Frequency:              core.Frequency(req.Frequency),
		AllowWithdrawals:       req.AllowWithdrawals,
		NotificationDaysBefore: req.NotificationDaysBefore,
		AutoRegister:           req.AutoRegister,
		InstallmentsTotal:      req.InstallmentsTotal,
		AutomaticPayment:       req.AutomaticPayment,
		PaymentAccountID:       req.PaymentAccountID,
		DueDay:                 req.DueDay,
	}

	var err error
	if cfg.StartsAt, err = parseOptionalDate(req.StartsAt); err != nil {
		return core.PocketConfig{}, fmt.Errorf("%w: starts_at: %v", core.ErrValidation, err)
	}
	if cfg.EndsAt, err = parseOptionalDate(req.EndsAt); err != nil {
		return core.PocketConfig{}, fmt.Errorf("%w: ends_at: %v", core.ErrValidation, err)
	}

	for _, field := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"target_amount", req.TargetAmount, &cfg.TargetAmount},
		{"allocated_amount", req.AllocatedAmount, &cfg.AllocatedAmount},
		{"average_amount", req.AverageAmount, &cfg.AverageAmount},
		{"monthly_amount", req.MonthlyAmount, &cfg.MonthlyAmount},
		{"original_amount", req.OriginalAmount, &cfg.OriginalAmount},
		{"installment_amount", req.InstallmentAmount, &cfg.InstallmentAmount},
		{"interest_rate", req.InterestRate, &cfg.InterestRate},
	} {
		if *field.dst, err = parseOptionalDecimal(field.raw); err != nil {
			return core.PocketConfig{}, fmt.Errorf("%w: %s: %v", core.ErrValidation, field.name, err)
		}
	}
	return cfg, nil
}

// pocketResponse carries the shared metadata plus the fields of the pocket's
// own variant only.
func pocketResponse(p core.Pocket) map[string]any {
	m := p.Meta()
	out := map[string]any{
		"id":         m.ID,
		"owner_id":   m.OwnerID,
		"name":       m.Name,
		"emoji":      m.Emoji,
		"type":       string(p.Type()),
		"account_id": m.AccountID,
		"currency":   string(m.Currency),
		"status":     string(m.Status),
		"starts_at":  m.StartsAt.Format(time.DateOnly),
	}
	if p.Subtype() != core.SubtypeNone {
		out["subtype"] = string(p.Subtype())
	}

	switch v := p.(type) {
	case *core.SavingPocket:
		out["target_amount"] = v.TargetAmount
		out["amount_saved"] = v.AmountSaved
		out["frequency"] = string(v.Frequency)
		out["allow_withdrawals"] = v.AllowWithdrawals
		if !v.EndsAt.IsZero() {
			out["ends_at"] = v.EndsAt.Format(time.DateOnly)
		}
	case *core.PeriodExpensePocket:
		out["allocated_amount"] = v.AllocatedAmount
		out["spent_amount"] = v.SpentAmount
		out["available"] = v.Available()
		out["ends_at"] = v.EndsAt.Format(time.DateOnly)
	case *core.RecurrentExpensePocket:
		out["average_amount"] = v.AverageAmount
		out["last_payment_amount"] = v.LastPaymentAmount
		out["due_day"] = v.DueDay
		out["notification_days_before"] = v.NotificationDaysBefore
	case *core.FixedExpensePocket:
		out["monthly_amount"] = v.MonthlyAmount
		out["due_day"] = v.DueDay
		out["auto_register"] = v.AutoRegister
	case *core.DebtPocket:
		out["original_amount"] = v.OriginalAmount
		out["remaining_amount"] = v.RemainingAmount
		out["installments_total"] = v.InstallmentsTotal
		out["installment_current"] = v.InstallmentCurrent
		out["installment_amount"] = v.InstallmentAmount
		out["interest_rate"] = v.InterestRate
		out["automatic_payment"] = v.AutomaticPayment
		if v.DueDay != 0 {
			out["due_day"] = v.DueDay
		}
		if v.PaymentAccountID != "" {
			out["payment_account_id"] = v.PaymentAccountID
		}
	}
	return out
}

func (s *Server) handleCreatePocket(w http.ResponseWriter, r *http.Request) {
	var req pocketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeError(w, err)
		return
	}

	pocket, err := s.pockets.Create(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pocketResponse(pocket))
}

func (s *Server) handleListPockets(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, fmt.Errorf("%w: owner_id query parameter required", core.ErrValidation))
		return
	}

	pockets, err := s.pockets.List(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(pockets))
	for _, p := range pockets {
		out = append(out, pocketResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPocket(w http.ResponseWriter, r *http.Request) {
	pocket, err := s.pockets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pocketResponse(pocket))
}

func (s *Server) handleUpdatePocket(w http.ResponseWriter, r *http.Request) {
	var req pocketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeError(w, err)
		return
	}

	pocket, err := s.pockets.UpdateConfig(r.Context(), r.PathValue("id"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pocketResponse(pocket))
}

// Allowance and recommendation

type allowancePoint struct {
	Date             string          `json:"date"`
	DaysFromStart    int             `json:"days_from_start"`
	ProjectedBalance decimal.Decimal `json:"projected_balance"`
}

type allowanceResponse struct {
	PocketID       string           `json:"pocket_id"`
	DailyAllowance decimal.Decimal  `json:"daily_allowance"`
	SpendableToday *decimal.Decimal `json:"spendable_today,omitempty"`
	Expired        bool             `json:"expired"`
	Series         []allowancePoint `json:"series"`
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.PocketSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	today, err := queryDate(r, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	series := services.AllowanceSeries(snap, today)
	resp := allowanceResponse{
		PocketID:       snap.PocketID,
		DailyAllowance: snap.DailyAllowance,
		Expired:        len(series) == 0,
		Series:         make([]allowancePoint, 0, len(series)),
	}
	for _, pt := range series {
		resp.Series = append(resp.Series, allowancePoint{
			Date:             pt.Date.Format(time.DateOnly),
			DaysFromStart:    pt.DaysFromStart,
			ProjectedBalance: pt.ProjectedBalance,
		})
	}
	if spendable, ok := services.SpendableToday(snap, today); ok {
		resp.SpendableToday = &spendable
	}
	writeJSON(w, http.StatusOK, resp)
}

type recommendationResponse struct {
	PocketID    string           `json:"pocket_id"`
	Frequency   string           `json:"frequency"`
	Recommended *decimal.Decimal `json:"recommended_contribution,omitempty"`
	Available   bool             `json:"available"`
}

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	pocket, err := s.pockets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	saving, ok := pocket.(*core.SavingPocket)
	if !ok {
		writeError(w, fmt.Errorf("%w: pocket %s is not a saving pocket", core.ErrValidation, r.PathValue("id")))
		return
	}
	today, err := queryDate(r, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := recommendationResponse{
		PocketID:  saving.ID,
		Frequency: string(saving.Frequency),
	}
	// Absence is reported explicitly, never as a zero amount.
	if amount, ok := services.SavingRecommendation(saving, today); ok {
		resp.Recommended = &amount
		resp.Available = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// Movements

type movementRequest struct {
	OwnerID          string `json:"owner_id"`
	Type             string `json:"type"`
	AccountID        string `json:"account_id"`
	CounterAccountID string `json:"counter_account_id"`
	DestCurrency     string `json:"dest_currency"`
	PocketID         string `json:"pocket_id"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Date             string `json:"date"`
	Description      string `json:"description"`
	CreateCurrency   bool   `json:"create_currency"`
}

type movementResponse struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Type             string          `json:"type"`
	AccountID        string          `json:"account_id,omitempty"`
	CounterAccountID string          `json:"counter_account_id,omitempty"`
	PocketID         string          `json:"pocket_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	DestCurrency     string          `json:"dest_currency,omitempty"`
	DestAmount       string          `json:"dest_amount,omitempty"`
	Date             string          `json:"date"`
	Description      string          `json:"description,omitempty"`
	Status           string          `json:"status"`
}

func toMovementResponse(m core.Movement) movementResponse {
	return movementResponse{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Type:             string(m.Type),
		AccountID:        m.AccountID,
		CounterAccountID: m.CounterAccountID,
		PocketID:         m.PocketID,
		Amount:           m.Amount,
		Currency:         string(m.Currency),
		DestCurrency:     string(m.DestCurrency),
		DestAmount:       destAmountField(m),
		Date:             m.Date.Format(time.DateOnly),
		Description:      m.Description,
		Status:           string(m.Status),
	}
}

func destAmountField(m core.Movement) string {
	if m.DestCurrency == "" {
		return ""
	}
	return m.DestAmount.String()
}

func (s *Server) handleCreateMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, fmt.Errorf("%w: amount: %w", core.ErrValidation, err))
		return
	}
	date, err := parseOptionalDate(req.Date)
	if err != nil {
		writeError(w, fmt.Errorf("%w: date: %v", core.ErrValidation, err))
		return
	}

	movement, err := s.movements.Apply(r.Context(), services.MovementIntent{
		OwnerID:          req.OwnerID,
		Type:             core.MovementType(req.Type),
		AccountID:        req.AccountID,
		CounterAccountID: req.CounterAccountID,
		DestCurrency:     core.Currency(strings.ToUpper(req.DestCurrency)),
		PocketID:         req.PocketID,
		Amount:           amount,
		Currency:         core.Currency(strings.ToUpper(req.Currency)),
		Date:             date,
		Description:      req.Description,
		CreateCurrency:   req.CreateCurrency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementResponse(movement))
}

func (s *Server) handleReverseMovement(w http.ResponseWriter, r *http.Request) {
	movement, err := s.movements.Reverse(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementResponse(movement))
}

// Helpers

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", core.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP statuses: unknown entities are 404,
// rejected operations are 422, a partial application is a 500 that names
// itself so the operator knows reconciliation will run.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownAccount),
		errors.Is(err, core.ErrUnknownAccountCurrency),
		errors.Is(err, core.ErrUnknownPocket),
		errors.Is(err, core.ErrUnknownMovement):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidCurrency),
		errors.Is(err, core.ErrEmptyName),
		errors.Is(err, core.ErrInsufficientPocketBalance),
		errors.Is(err, core.ErrInsufficientAccountBalance):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrPartialApplication):
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "movement recorded without its balance effect; reconciliation pending",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func parseOptionalDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, strings.TrimSpace(s))
}

// queryDate reads the optional date query parameter, defaulting to now.
func queryDate(r *http.Request, fallback time.Time) (time.Time, error) {
	s := r.URL.Query().Get("date")
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date: %v", core.ErrValidation, err)
	}
	return t, nil
}

func parseOptionalDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
