package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type ItemType string

const (
	ItemTypeTicket      ItemType = "ticket"
	ItemTypeFood        ItemType = "food"
	ItemTypeBeverage    ItemType = "beverage"
	ItemTypeMerchandise ItemType = "merchandise"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeTicket, ItemTypeFood, ItemTypeBeverage, ItemTypeMerchandise:
		return true
	}
	return false
}

// ItemDetails is the per-type payload of a cart item. The set of
// implementations is closed.
type ItemDetails interface {
	ItemType() ItemType
	sealed()
}

type TicketDetails struct {
	EventID     string   `json:"eventId"`
	CategoryID  string   `json:"categoryId"`
	SeatIDs     []string `json:"seatIds,omitempty"`
	HolderNames []string `json:"holderNames,omitempty"`
	HoldID      string   `json:"holdId,omitempty"`
}

type FoodDetails struct {
	SpecialInstructions string `json:"specialInstructions,omitempty"`
}

type BeverageDetails struct {
	Size                string `json:"size,omitempty"`
	SpecialInstructions string `json:"specialInstructions,omitempty"`
}

type MerchandiseDetails struct {
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

func (TicketDetails) ItemType() ItemType      { return ItemTypeTicket }
func (FoodDetails) ItemType() ItemType        { return ItemTypeFood }
func (BeverageDetails) ItemType() ItemType    { return ItemTypeBeverage }
func (MerchandiseDetails) ItemType() ItemType { return ItemTypeMerchandise }

func (TicketDetails) sealed()      {}
func (FoodDetails) sealed()        {}
func (BeverageDetails) sealed()    {}
func (MerchandiseDetails) sealed() {}

// CartItem is one line of a cart or an order snapshot.
type CartItem struct {
	ID          string          `json:"id,omitempty"`
	ItemType    ItemType        `json:"itemType" validate:"required,oneof=ticket food beverage merchandise"`
	ReferenceID string          `json:"itemId" validate:"required"`
	Name        string          `json:"name,omitempty"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	Details     ItemDetails     `json:"-"`
}

type cartItemWire struct {
	ID          string          `json:"id,omitempty"`
	ItemType    ItemType        `json:"itemType"`
	ReferenceID string          `json:"itemId"`
	Name        string          `json:"name,omitempty"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int             `json:"quantity"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (i CartItem) MarshalJSON() ([]byte, error) {
	w := cartItemWire{
		ID:          i.ID,
		ItemType:    i.ItemType,
		ReferenceID: i.ReferenceID,
		Name:        i.Name,
		UnitPrice:   i.UnitPrice,
		Quantity:    i.Quantity,
	}
	if i.Details != nil {
		raw, err := json.Marshal(i.Details)
		if err != nil {
			return nil, err
		}
		w.Metadata = raw
	}
	return json.Marshal(w)
}

func (i *CartItem) UnmarshalJSON(data []byte) error {
	var w cartItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	details, err := decodeDetails(w.ItemType, w.Metadata)
	if err != nil {
		return err
	}
	*i = CartItem{
		ID:          w.ID,
		ItemType:    w.ItemType,
		ReferenceID: w.ReferenceID,
		Name:        w.Name,
		UnitPrice:   w.UnitPrice,
		Quantity:    w.Quantity,
		Details:     details,
	}
	return nil
}

func decodeDetails(t ItemType, raw json.RawMessage) (ItemDetails, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		d   ItemDetails
		err error
	)
	switch t {
	case ItemTypeTicket:
		var v TicketDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case ItemTypeFood:
		var v FoodDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case ItemTypeBeverage:
		var v BeverageDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case ItemTypeMerchandise:
		var v MerchandiseDetails
		err = json.Unmarshal(raw, &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown item type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return d, nil
}

// CheckDetails reports an error when the details variant does not match the
// item type.
func (i CartItem) CheckDetails() error {
	if i.Details != nil && i.Details.ItemType() != i.ItemType {
		return fmt.Errorf("item %q: %s details on a %s item", i.ReferenceID, i.Details.ItemType(), i.ItemType)
	}
	return nil
}

// LineTotal is unit price times quantity.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Clone returns a deep copy, including slices inside ticket details.
func (i CartItem) Clone() CartItem {
	out := i
	if td, ok := i.Details.(TicketDetails); ok {
		td.SeatIDs = append([]string(nil), td.SeatIDs...)
		td.HolderNames = append([]string(nil), td.HolderNames...)
		out.Details = td
	}
	return out
}

func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return nil
	}
	out := make([]CartItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
