package service

import (
	"fmt"
	"regexp"
	"strings"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"

	"github.com/shopspring/decimal"
)

// InitiatePaymentRequest carries the method-specific inputs of a payment.
// Only the fields of the chosen method are read.
type InitiatePaymentRequest struct {
	OrderID string               `json:"orderId" validate:"required"`
	Method  models.PaymentMethod `json:"method,omitempty"`

	// Mobile money.
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Provider    string `json:"provider,omitempty"`

	// Card. Only a token from the card vault is accepted.
	CardToken string `json:"cardToken,omitempty"`

	// PayPal.
	ReturnURL string `json:"returnUrl,omitempty"`
	CancelURL string `json:"cancelUrl,omitempty"`

	// Bank transfer.
	BankCode string `json:"bankCode,omitempty"`
}

// UserAction tells the caller what the user has to do next.
type UserAction struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

const (
	ActionNone              = "none"
	ActionConfirmOnPhone    = "confirm_on_phone"
	ActionRedirect          = "redirect"
	ActionBankInstructions  = "bank_transfer_instructions"
	ActionAwaitConfirmation = "await_confirmation"
)

// PaymentMethodHandler builds the backend request for one payment method.
type PaymentMethodHandler interface {
	Method() models.PaymentMethod
	Endpoint() string
	BuildRequest(req InitiatePaymentRequest, order *models.Order) (interface{}, error)
	DescribeUserAction(p *models.Payment) UserAction
}

type paymentBase struct {
	OrderID  string          `json:"orderId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency models.Currency `json:"currency"`
}

func baseFor(order *models.Order) paymentBase {
	return paymentBase{OrderID: order.OrderID, Amount: order.Total, Currency: order.Currency}
}

// DefaultPaymentHandlers returns one handler per supported method.
func DefaultPaymentHandlers() []PaymentMethodHandler {
	return []PaymentMethodHandler{
		mobileMoneyHandler{},
		cardHandler{},
		paypalHandler{},
		bankTransferHandler{},
	}
}

var (
	phonePattern    = regexp.MustCompile(`^\+?[0-9]{9,15}$`)
	panPattern      = regexp.MustCompile(`^[0-9]{12,19}$`)
	mobileProviders = map[string]bool{"mtn": true, "airtel": true}
)

type mobileMoneyHandler struct{}

func (mobileMoneyHandler) Method() models.PaymentMethod { return models.PaymentMethodMobileMoney }
func (mobileMoneyHandler) Endpoint() string             { return "/api/payments/mobile-money" }

func (mobileMoneyHandler) BuildRequest(req InitiatePaymentRequest, order *models.Order) (interface{}, error) {
	phone := strings.ReplaceAll(req.PhoneNumber, " ", "")
	if !phonePattern.MatchString(phone) {
		return nil, apperr.Validation("a valid phone number is required for mobile money")
	}
	provider := strings.ToLower(req.Provider)
	if provider == "" {
		provider = "mtn"
	}
	if !mobileProviders[provider] {
		return nil, apperr.Validation("unsupported mobile money provider %q", req.Provider)
	}
	return struct {
		paymentBase
		PhoneNumber string `json:"phoneNumber"`
		Provider    string `json:"provider"`
	}{baseFor(order), phone, provider}, nil
}

func (mobileMoneyHandler) DescribeUserAction(p *models.Payment) UserAction {
	if !p.Status.Open() {
		return UserAction{Kind: ActionNone}
	}
	return UserAction{
		Kind:    ActionConfirmOnPhone,
		Message: "Approve the payment prompt on your phone to complete the purchase.",
	}
}

type cardHandler struct{}

func (cardHandler) Method() models.PaymentMethod { return models.PaymentMethodCard }
func (cardHandler) Endpoint() string             { return "/api/payments/card" }

func (cardHandler) BuildRequest(req InitiatePaymentRequest, order *models.Order) (interface{}, error) {
	token := strings.TrimSpace(req.CardToken)
	if token == "" {
		return nil, apperr.Validation("a card token is required")
	}
	if panPattern.MatchString(strings.ReplaceAll(token, " ", "")) {
		return nil, apperr.Validation("raw card numbers are not accepted; use a card token")
	}
	return struct {
		paymentBase
		CardToken string `json:"cardToken"`
	}{baseFor(order), token}, nil
}

func (cardHandler) DescribeUserAction(p *models.Payment) UserAction {
	if p.RedirectURL != "" && p.Status.Open() {
		return UserAction{
			Kind:        ActionRedirect,
			Message:     "Complete card verification with your bank.",
			RedirectURL: p.RedirectURL,
		}
	}
	if p.Status.Open() {
		return UserAction{Kind: ActionAwaitConfirmation, Message: "Your card payment is being processed."}
	}
	return UserAction{Kind: ActionNone}
}

type paypalHandler struct{}

func (paypalHandler) Method() models.PaymentMethod { return models.PaymentMethodPayPal }
func (paypalHandler) Endpoint() string             { return "/api/payments/paypal" }

func (paypalHandler) BuildRequest(req InitiatePaymentRequest, order *models.Order) (interface{}, error) {
	return struct {
		paymentBase
		ReturnURL string `json:"returnUrl,omitempty"`
		CancelURL string `json:"cancelUrl,omitempty"`
	}{baseFor(order), req.ReturnURL, req.CancelURL}, nil
}

func (paypalHandler) DescribeUserAction(p *models.Payment) UserAction {
	if !p.Status.Open() {
		return UserAction{Kind: ActionNone}
	}
	if p.RedirectURL == "" {
		return UserAction{Kind: ActionAwaitConfirmation, Message: "Waiting for PayPal to confirm the payment."}
	}
	return UserAction{
		Kind:        ActionRedirect,
		Message:     "Continue to PayPal to approve the payment.",
		RedirectURL: p.RedirectURL,
	}
}

type bankTransferHandler struct{}

func (bankTransferHandler) Method() models.PaymentMethod { return models.PaymentMethodBankTransfer }
func (bankTransferHandler) Endpoint() string             { return "/api/payments/bank-transfer" }

func (bankTransferHandler) BuildRequest(req InitiatePaymentRequest, order *models.Order) (interface{}, error) {
	return struct {
		paymentBase
		BankCode string `json:"bankCode,omitempty"`
	}{baseFor(order), req.BankCode}, nil
}

func (bankTransferHandler) DescribeUserAction(p *models.Payment) UserAction {
	if !p.Status.Open() {
		return UserAction{Kind: ActionNone}
	}
	ref := p.Metadata["reference"]
	if ref == "" {
		ref = p.PaymentID
	}
	return UserAction{
		Kind: ActionBankInstructions,
		Message: fmt.Sprintf("Transfer %s %s quoting reference %s. Tickets are issued once the transfer clears.",
			p.Amount.StringFixed(2), p.Currency, ref),
	}
}
