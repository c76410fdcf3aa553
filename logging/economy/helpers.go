package economy

import (
	"context"

	"simsync/server/logging"
)

const (
	// EventItemPurchased is emitted when a purchase executes in the canonical log.
	EventItemPurchased logging.EventType = "economy.item_purchased"
	// EventPurchaseFailed is emitted when an admitted purchase has no effect.
	EventPurchaseFailed logging.EventType = "economy.purchase_failed"
)

// ItemPurchasedPayload describes a completed purchase.
type ItemPurchasedPayload struct {
	GUID  uint32 `json:"guid"`
	Price uint32 `json:"price"`
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
}

// PurchaseFailedPayload describes a purchase that did not go through.
type PurchaseFailedPayload struct {
	GUID   uint32 `json:"guid"`
	Reason string `json:"reason"`
}

// ItemPurchased publishes a purchase event.
func ItemPurchased(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ItemPurchasedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventItemPurchased,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryEconomy,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PurchaseFailed publishes a failed purchase event.
func PurchaseFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PurchaseFailedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPurchaseFailed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryEconomy,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
