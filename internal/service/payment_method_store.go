package service

import (
	"context"
	"strings"
	"sync"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"
	"checkout-core/internal/store"
	"checkout-core/internal/util"

	"go.uber.org/zap"
)

const paymentMethodSchemaVersion = 1

// PaymentMethodStore keeps the user's selected method and tokenised cards.
type PaymentMethodStore struct {
	persist *store.Entity[models.PaymentPreferences]
	logger  *zap.Logger

	mu    sync.RWMutex
	prefs models.PaymentPreferences
}

// NewPaymentMethodStore creates a new payment method store. kv may be nil.
func NewPaymentMethodStore(kv store.KV) *PaymentMethodStore {
	var persist *store.Entity[models.PaymentPreferences]
	if kv != nil {
		persist = store.NewEntity[models.PaymentPreferences](kv, store.KeyPaymentMethod, paymentMethodSchemaVersion)
	}
	return &PaymentMethodStore{persist: persist, logger: util.GetLogger()}
}

func (s *PaymentMethodStore) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	prefs, ok, err := s.persist.Load(ctx)
	if err != nil || !ok {
		return err
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()
	return nil
}

func (s *PaymentMethodStore) Preferences() models.PaymentPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.prefs
	out.Cards = append([]models.SavedCard(nil), s.prefs.Cards...)
	return out
}

// SetDefault selects the method used when a payment names none. ref is a
// method-specific reference such as a phone number or card token.
func (s *PaymentMethodStore) SetDefault(ctx context.Context, method models.PaymentMethod, ref string) error {
	switch method {
	case models.PaymentMethodMobileMoney, models.PaymentMethodCard,
		models.PaymentMethodPayPal, models.PaymentMethodBankTransfer:
	default:
		return apperr.Validation("unknown payment method %q", method)
	}
	if method == models.PaymentMethodCard && ref != "" {
		if _, ok := s.Card(ref); !ok {
			return apperr.Validation("card %s is not saved", ref)
		}
	}
	return s.update(ctx, func(p *models.PaymentPreferences) {
		p.DefaultMethod = method
		p.DefaultRef = ref
	})
}

// SaveCard stores a tokenised card, replacing one with the same token.
func (s *PaymentMethodStore) SaveCard(ctx context.Context, card models.SavedCard) error {
	if err := validateStruct(card); err != nil {
		return err
	}
	if panPattern.MatchString(strings.ReplaceAll(card.Token, " ", "")) {
		return apperr.Validation("raw card numbers are not accepted; use a card token")
	}
	return s.update(ctx, func(p *models.PaymentPreferences) {
		for i := range p.Cards {
			if p.Cards[i].Token == card.Token {
				p.Cards[i] = card
				return
			}
		}
		p.Cards = append(p.Cards, card)
	})
}

func (s *PaymentMethodStore) RemoveCard(ctx context.Context, token string) error {
	return s.update(ctx, func(p *models.PaymentPreferences) {
		kept := p.Cards[:0]
		for _, c := range p.Cards {
			if c.Token != token {
				kept = append(kept, c)
			}
		}
		p.Cards = kept
		if p.DefaultMethod == models.PaymentMethodCard && p.DefaultRef == token {
			p.DefaultRef = ""
		}
	})
}

func (s *PaymentMethodStore) Card(token string) (models.SavedCard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.prefs.Cards {
		if c.Token == token {
			return c, true
		}
	}
	return models.SavedCard{}, false
}

// Clear forgets everything, e.g. on sign-out.
func (s *PaymentMethodStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.prefs = models.PaymentPreferences{}
	s.mu.Unlock()
	if s.persist == nil {
		return nil
	}
	return s.persist.Clear(ctx)
}

func (s *PaymentMethodStore) update(ctx context.Context, fn func(*models.PaymentPreferences)) error {
	s.mu.Lock()
	next := s.prefs
	next.Cards = append([]models.SavedCard(nil), s.prefs.Cards...)
	fn(&next)
	s.prefs = next
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.persist.Save(ctx, next, 0); err != nil {
		util.Warn(ctx, s.logger, "Failed to persist payment preferences", zap.Error(err))
		return apperr.Wrap(apperr.KindServer, "payment preferences could not be saved", err)
	}
	return nil
}
