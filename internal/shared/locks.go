package shared

import "fmt"

// NumberingLockKey builds redis keys guarding final number allocation.
func NumberingLockKey(workspaceID, kind, prefix string, year int) string {
	return fmt.Sprintf("billing:seq:%s:%s:%s:%d:lock", workspaceID, kind, prefix, year)
}
