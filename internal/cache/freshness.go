package cache

import "time"

// freshness 持有 TTL 与时钟，统一判断条目是否过期。
type freshness struct {
	ttl time.Duration
	now func() time.Time
}

// Fresh 在 now - storedAt <= ttl 时返回 true。
func (f freshness) Fresh(storedAt time.Time) bool {
	return f.Age(storedAt) <= f.ttl
}

// Age 返回条目年龄，时钟回拨时不会为负。
func (f freshness) Age(storedAt time.Time) time.Duration {
	age := f.now().Sub(storedAt)
	if age < 0 {
		return 0
	}
	return age
}

// Cutoff 返回 stored_at 下限：早于该时间写入的条目都已过期。
func (f freshness) Cutoff() time.Time {
	return f.now().Add(-f.ttl)
}
