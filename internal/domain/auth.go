package domain

import "github.com/golang-jwt/jwt/v5"

// ScopeOperator — право дергать ручной запуск и симуляцию
const ScopeOperator = "dca.operator"

type OperatorClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "dca.operator": true
	jwt.RegisteredClaims
}

// HasScope проверяет право в токене
func (c *OperatorClaims) HasScope(scope string) bool {
	return c.Scopes[scope] || c.Scopes["admin"]
}
