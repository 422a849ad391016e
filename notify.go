package possync

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/possync/entity"
)

// emitNotification inserts a local-origin notification into the cache. Local
// notifications are never queued to the remote store.
func emitNotification(cache *LocalCache, storeID, title, body string, now time.Time) {
	cache.Upsert(entity.Notifications, &entity.Notification{
		ID:        "ntf-" + uuid.NewString(),
		StoreID:   storeID,
		Title:     title,
		Body:      body,
		CreatedAt: now,
	})
}

// lowStockCrossed reports whether a product mutation dropped the stock to or
// below its threshold. Only the downward crossing fires, so a
// product sitting at low stock does not re-notify on every unrelated edit.
func lowStockCrossed(before, after entity.Entity) (*entity.Product, bool) {
	prod, ok := after.(*entity.Product)
	if !ok || !prod.Stock.Valid || prod.LowStockThreshold <= 0 {
		return nil, false
	}
	if prod.Stock.Count > prod.LowStockThreshold {
		return nil, false
	}
	if prev, ok := before.(*entity.Product); ok && prev.Stock.Valid && prev.Stock.Count <= prev.LowStockThreshold {
		return nil, false
	}
	return prod, true
}

// lowStockNotification inserts the warning for a product that just crossed
// its threshold.
func lowStockNotification(cache *LocalCache, storeID string, prod *entity.Product, now time.Time) {
	emitNotification(cache, storeID,
		fmt.Sprintf("Low stock: %s", prod.Name),
		fmt.Sprintf("%s is down to %d (threshold %d)", prod.Name, prod.Stock.Count, prod.LowStockThreshold),
		now)
}

func (e *SyncEngine) notifyUser(title, body string) {
	emitNotification(e.cache, e.storeID, title, body, e.now())
}
