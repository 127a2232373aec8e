package domain

import "time"

// DefaultEarlyExpiration — запас до номинальной полуночи UTC, после которого кредит уже не используем.
const DefaultEarlyExpiration = 10 * time.Minute

// CapacityCredential — rate-limit кредит сети подписи. Живет только в памяти процесса.
type CapacityCredential struct {
	ID                             string    `json:"id"`
	RequestsPerKilosecond          int       `json:"requests_per_kilosecond"`
	MintedAt                       time.Time `json:"minted_at"` // UTC
	DaysUntilUTCMidnightExpiration int       `json:"days_until_utc_midnight_expiration"`
}

// ExpiresAt — полночь UTC того дня, в который попадает MintedAt + N суток.
// Сеть гасит кредиты ровно в полночь UTC, поэтому граница не позже MintedAt + N суток.
func (c CapacityCredential) ExpiresAt() time.Time {
	t := c.MintedAt.UTC().AddDate(0, 0, c.DaysUntilUTCMidnightExpiration)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsExpired учитывает ранний запас margin
func (c CapacityCredential) IsExpired(now time.Time, margin time.Duration) bool {
	if c.ID == "" {
		return true
	}
	return !now.Before(c.ExpiresAt().Add(-margin))
}
