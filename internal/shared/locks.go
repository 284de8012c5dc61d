package shared

import "fmt"

// IdempotencyLockKey builds redis keys guarding a single idempotency key.
func IdempotencyLockKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s:lock", scope, key)
}

// AccountLockKey names the advisory lock serialising hold opening per account.
func AccountLockKey(accountID string) string {
	return fmt.Sprintf("ledger:account:%s", accountID)
}
