package ledger

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"forge/internal/model"
)

// UpsertSubscription inserts or replaces a subscription row, keyed by
// name.
func (l *Ledger) UpsertSubscription(sub model.Subscription) error {
	return l.withRetry("upsert_subscription", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			data, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketSubscriptions).Put([]byte(sub.Name), data)
		})
	})
}

// GetActiveSubscriptions returns every subscription with Active set.
func (l *Ledger) GetActiveSubscriptions() ([]model.Subscription, error) {
	var subs []model.Subscription
	err := l.withRetry("get_active_subscriptions", func() error {
		subs = nil
		return l.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketSubscriptions).ForEach(func(_, v []byte) error {
				var sub model.Subscription
				if err := json.Unmarshal(v, &sub); err != nil {
					return nil
				}
				if sub.Active {
					subs = append(subs, sub)
				}
				return nil
			})
		})
	})
	return subs, err
}

// UpdateSubscriptionUsage sets a subscription's QuotaUsed to an absolute
// value.
func (l *Ledger) UpdateSubscriptionUsage(name string, used float64) error {
	return l.withRetry("update_subscription_usage", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketSubscriptions)
			data := b.Get([]byte(name))
			if data == nil {
				return fmt.Errorf("subscription not found: %s", name)
			}
			var sub model.Subscription
			if err := json.Unmarshal(data, &sub); err != nil {
				return err
			}
			sub.QuotaUsed = used
			out, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			return b.Put([]byte(name), out)
		})
	})
}

// IncrementSubscriptionUsage adds delta to a subscription's QuotaUsed.
func (l *Ledger) IncrementSubscriptionUsage(name string, delta float64) error {
	return l.withRetry("increment_subscription_usage", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketSubscriptions)
			data := b.Get([]byte(name))
			if data == nil {
				return fmt.Errorf("subscription not found: %s", name)
			}
			var sub model.Subscription
			if err := json.Unmarshal(data, &sub); err != nil {
				return err
			}
			sub.QuotaUsed += delta
			out, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			return b.Put([]byte(name), out)
		})
	})
}

// subscriptionUsageRow is one recorded usage event, keyed by name+timestamp
// so repeated recordings never collide.
type subscriptionUsageRow struct {
	Name      string  `json:"name"`
	Timestamp string  `json:"timestamp"`
	Amount    float64 `json:"amount"`
}

// RecordSubscriptionUsage appends a usage event row for audit purposes, in
// addition to the running total IncrementSubscriptionUsage maintains.
func (l *Ledger) RecordSubscriptionUsage(name, timestampKey string, amount float64) error {
	return l.withRetry("record_subscription_usage", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			row := subscriptionUsageRow{Name: name, Timestamp: timestampKey, Amount: amount}
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			key := name + "|" + timestampKey
			return tx.Bucket(bucketSubscriptionUsage).Put([]byte(key), data)
		})
	})
}

// DeactivateSubscription sets Active to false.
func (l *Ledger) DeactivateSubscription(name string) error {
	return l.withRetry("deactivate_subscription", func() error {
		return l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketSubscriptions)
			data := b.Get([]byte(name))
			if data == nil {
				return fmt.Errorf("subscription not found: %s", name)
			}
			var sub model.Subscription
			if err := json.Unmarshal(data, &sub); err != nil {
				return err
			}
			sub.Active = false
			out, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			return b.Put([]byte(name), out)
		})
	})
}
