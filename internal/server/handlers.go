package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/piggypay/piggypay/internal/engine"
	"github.com/piggypay/piggypay/internal/fraud"
	"github.com/piggypay/piggypay/internal/idgen"
	"github.com/piggypay/piggypay/internal/ledger"
	"github.com/piggypay/piggypay/internal/logging"
	"github.com/piggypay/piggypay/internal/pagination"
	"github.com/piggypay/piggypay/internal/validation"
)

// resolveUID verifies the request's identity token and returns the account
// uid. Writes the 401 response itself when verification fails.
func (s *Server) resolveUID(c *gin.Context, idToken string) (string, bool) {
	uid, err := s.verifier.Verify(c.Request.Context(), idToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "invalid_token",
			"message": "Invalid or expired identity token",
		})
		return "", false
	}
	return uid, true
}

// respondError maps domain errors onto the three-way status split:
// 400 for validation and business-rule rejections, 404 for missing
// principals, 500 for everything unexpected.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrMissingFields):
		s.decline(c, http.StatusBadRequest, "missing_fields", "Required fields are missing")
	case errors.Is(err, engine.ErrUnsupportedKind):
		s.decline(c, http.StatusBadRequest, "invalid_type", "Invalid transaction type")
	case errors.Is(err, ledger.ErrInvalidAmount):
		s.decline(c, http.StatusBadRequest, "invalid_amount", "Amount must be a positive number")
	case errors.Is(err, engine.ErrSelfTransfer):
		s.decline(c, http.StatusBadRequest, "self_transfer", "Cannot transfer to your own wallet")
	case errors.Is(err, engine.ErrInsufficientBalance):
		s.decline(c, http.StatusBadRequest, "insufficient_balance", "Insufficient balance")
	case errors.Is(err, engine.ErrRecipientNotFound):
		s.decline(c, http.StatusNotFound, "recipient_not_found", "Recipient not found")
	case errors.Is(err, ledger.ErrAccountNotFound):
		s.decline(c, http.StatusNotFound, "account_not_found", "Account not found")
	case errors.Is(err, ledger.ErrDuplicateAccount):
		s.decline(c, http.StatusConflict, "account_exists", "An account with this phone already exists")
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err, "path", c.Request.URL.Path)
		s.decline(c, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

func (s *Server) decline(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   code,
		"message": message,
	})
}

// registerHandler handles POST /api/register
func (s *Server) registerHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Name  string `json:"name" binding:"required"`
		Phone string `json:"phone" binding:"required"`
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "invalid_request", "name and phone are required")
		return
	}

	req.Name = validation.SanitizeString(req.Name, 200)
	req.Email = validation.SanitizeString(req.Email, 320)
	if verrs := validation.Validate(
		validation.Required("name", req.Name),
		validation.ValidPhone("phone", req.Phone),
	); len(verrs) > 0 {
		s.decline(c, http.StatusBadRequest, "invalid_request", verrs.Error())
		return
	}

	phone := engine.NormalizePhone(req.Phone, s.cfg.CountryCode)

	if _, err := s.store.GetAccountByPhone(ctx, phone); err == nil {
		s.respondError(c, ledger.ErrDuplicateAccount)
		return
	}

	acct := &ledger.Account{
		UID:     idgen.WithPrefix("user_"),
		Name:    req.Name,
		Phone:   phone,
		Email:   req.Email,
		Balance: "0.00",
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		s.respondError(c, err)
		return
	}

	rawToken, _, err := s.verifier.Issue(ctx, acct.UID)
	if err != nil {
		logging.L(ctx).Error("failed to issue identity token", "uid", acct.UID, "error", err)
		s.decline(c, http.StatusInternalServerError, "internal_error", "Account created but token issuance failed")
		return
	}

	// Provider customer is created lazily when the first card is saved; do
	// it eagerly here when the gateway is configured so the id lands on the
	// account early.
	if s.cards != nil {
		if _, err := s.cards.EnsureCustomer(ctx, acct.UID); err != nil {
			logging.L(ctx).Warn("failed to create payment customer", "uid", acct.UID, "error", err)
		}
	}

	logging.L(ctx).Info("account registered", "uid", acct.UID, "phone", phone)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"uid":     acct.UID,
		"idToken": rawToken,
		"warning": "Store this token securely. It will not be shown again.",
	})
}

// transactionHandler handles POST /api/transaction, the hot path.
func (s *Server) transactionHandler(c *gin.Context) {
	var req struct {
		TxType  string  `json:"txType" binding:"required"`
		IDToken string  `json:"idToken" binding:"required"`
		Amount  float64 `json:"amount"`
		Contact string  `json:"contact"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "txType and idToken are required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}

	res, err := s.engine.Process(c.Request.Context(), engine.Request{
		UID:     uid,
		Kind:    ledger.Kind(req.TxType),
		Amount:  req.Amount,
		Contact: req.Contact,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{
		"success":     true,
		"fraud":       res.Fraud,
		"fraud_score": res.FraudScore,
		"flagged":     res.Flagged,
	}
	if res.Contact != "" {
		resp["contact"] = res.Contact
	}
	if res.RecipientUID != "" {
		resp["recipient_uid"] = res.RecipientUID
	}
	c.JSON(http.StatusOK, resp)
}

// verifyTransactionHandler handles POST /api/verify-transaction: releases
// every held transaction on the caller's account.
func (s *Server) verifyTransactionHandler(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "idToken is required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}

	if err := s.engine.Resolve(c.Request.Context(), uid); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// userHandler handles POST /api/user: profile plus recent activity.
func (s *Server) userHandler(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "idToken is required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	acct, err := s.store.GetAccount(ctx, uid)
	if err != nil {
		s.respondError(c, err)
		return
	}

	recent, err := s.store.RecentRecords(ctx, uid, 20)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"uid":           acct.UID,
		"name":          acct.Name,
		"phone":         acct.Phone,
		"email":         acct.Email,
		"iban":          acct.IBAN,
		"balance":       acct.Balance,
		"hasFraudAlert": acct.HasFraudAlert,
		"transactions":  recent,
	})
}

// fraudsightDataHandler handles POST /api/fraudsight-data: the account's
// records with their feature snapshots, for the insights screen. Paginated
// newest-first with an opaque cursor.
func (s *Server) fraudsightDataHandler(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
		Limit   int    `json:"limit"`
		Cursor  string `json:"cursor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "idToken is required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	cur, err := pagination.Decode(req.Cursor)
	if err != nil {
		s.decline(c, http.StatusBadRequest, "invalid_cursor", "Cursor is malformed")
		return
	}

	recs, err := s.store.ListRecords(c.Request.Context(), uid)
	if err != nil {
		s.respondError(c, err)
		return
	}

	// Newest first; the store returns the log in append order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	recs = afterCursor(recs, cur)
	if len(recs) > limit+1 {
		recs = recs[:limit+1]
	}

	items, next, hasMore := pagination.ComputePage(recs, limit, func(r *ledger.Record) (time.Time, string) {
		return r.Timestamp, r.ID
	})

	resp := gin.H{
		"success":  true,
		"count":    len(items),
		"data":     items,
		"has_more": hasMore,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// afterCursor drops everything up to and including the cursor position.
// Falls back to a timestamp comparison when the cursor record is gone.
func afterCursor(recs []*ledger.Record, cur *pagination.Cursor) []*ledger.Record {
	if cur == nil {
		return recs
	}
	for i, r := range recs {
		if r.ID == cur.ID {
			return recs[i+1:]
		}
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Timestamp.Before(cur.CreatedAt) {
			out = append(out, r)
		}
	}
	return out
}

// predictHandler handles POST /predict: scores a raw feature vector.
func (s *Server) predictHandler(c *gin.Context) {
	var vec fraud.Vector
	if err := c.ShouldBindJSON(&vec); err != nil {
		s.decline(c, http.StatusBadRequest, "invalid_request", "Request body must be a feature vector")
		return
	}

	isFraud, score := s.scorer.Score(vec)

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"prediction":    isFraud,
		"probability":   score,
		"is_flagged":    score >= s.cfg.Threshold,
		"model_version": s.scorer.Version(),
	})
}

// saveIBANHandler handles POST /api/save-iban
func (s *Server) saveIBANHandler(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
		IBAN    string `json:"iban" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "idToken and iban are required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}

	if err := s.store.UpdateAccount(c.Request.Context(), uid, ledger.AccountUpdate{IBAN: &req.IBAN}); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// saveCardHandler handles POST /api/cards
func (s *Server) saveCardHandler(c *gin.Context) {
	if s.cards == nil {
		s.decline(c, http.StatusServiceUnavailable, "cards_disabled", "Card storage is not configured")
		return
	}

	var req struct {
		IDToken string `json:"idToken" binding:"required"`
		Token   string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "idToken and token are required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}

	card, err := s.cards.SaveCard(c.Request.Context(), uid, req.Token)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "card": card})
}

// linkedCardsHandler handles POST /api/cards/linked
func (s *Server) linkedCardsHandler(c *gin.Context) {
	if s.cards == nil {
		s.decline(c, http.StatusServiceUnavailable, "cards_disabled", "Card storage is not configured")
		return
	}

	var req struct {
		IDToken string `json:"idToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.decline(c, http.StatusBadRequest, "missing_fields", "idToken is required")
		return
	}

	uid, ok := s.resolveUID(c, req.IDToken)
	if !ok {
		return
	}

	list, err := s.cards.LinkedCards(c.Request.Context(), uid)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "cards": list})
}
