package resolver

import (
	"time"

	"github.com/mtandao/hotspot/pkg/store"
	"gorm.io/gorm"
)

// ResolveHint finds or creates a subscriber from redemption hints alone.
// Vouchers carry no MAC, so this runs the same priority chain as Resolve
// restricted to the hint fields, and any subscriber it creates starts on a
// placeholder address awaiting a connection report.
func (r *Resolver) ResolveHint(tx *gorm.DB, phone, deviceName string) (*store.Subscriber, bool, error) {
	scoped := &Resolver{db: tx, hasher: r.hasher, log: r.log}
	now := time.Now().UTC()
	report := Report{Identifier: deviceName, Phone: phone}

	for _, rl := range rules[1:] { // pairing tokens never arrive via vouchers
		sub, err := rl.match(scoped, report, now)
		if err != nil {
			return nil, false, err
		}
		if sub != nil {
			if phone != "" && sub.Phone == nil {
				p := phone
				if err := tx.Model(sub).Update("phone", p).Error; err != nil {
					return nil, false, err
				}
				sub.Phone = &p
			}
			return sub, false, nil
		}
	}

	sub, err := scoped.createSubscriber(report)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}
