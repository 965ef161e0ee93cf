package storage

import (
	"fmt"
	"strings"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

const LockSplit = "^^^"

// CollectRowLocks splits a row lock key into the rows it names. The key
// lists primary keys grouped per table, "table:pk1,pk2;table2:pk3". A key
// without a table prefix names rows of defaultTable. A malformed group makes
// the whole key invalid and nil is returned.
func CollectRowLocks(lockKey string, defaultTable string, sessionID string) []*model.RowLock {
	if lockKey == "" {
		return nil
	}
	if !strings.Contains(lockKey, ":") {
		if defaultTable == "" {
			return nil
		}
		lockKey = defaultTable + ":" + lockKey
	}

	locks := make([]*model.RowLock, 0)
	for _, tableGroupedLockKey := range strings.Split(lockKey, ";") {
		if tableGroupedLockKey == "" {
			continue
		}
		idx := strings.Index(tableGroupedLockKey, ":")
		if idx <= 0 {
			return nil
		}

		tableName := tableGroupedLockKey[:idx]
		mergedPKs := tableGroupedLockKey[idx+1:]
		if mergedPKs == "" {
			return nil
		}

		for _, pk := range strings.Split(mergedPKs, ",") {
			if pk == "" {
				continue
			}
			locks = append(locks, &model.RowLock{
				SessionID: sessionID,
				TableName: tableName,
				PK:        pk,
				RowKey:    getRowKey(tableName, pk),
			})
		}
	}
	if len(locks) == 0 {
		return nil
	}
	return locks
}

func getRowKey(tableName string, pk string) string {
	return fmt.Sprintf("%s%s%s", tableName, LockSplit, pk)
}
