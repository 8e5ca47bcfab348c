package replicator

import (
	"strings"

	"github.com/google/uuid"
)

// correlationNamespace 固定命名空间，同一 sourceOrderId 在任何进程里得到相同的关联 ID
var correlationNamespace = uuid.MustParse("3b8f2f6e-9c41-4d0a-8e57-1f6a2c9d7b10")

// correlationIDLen 券商关联 ID 长度上限
const correlationIDLen = 25

// CorrelationID 目标订单关联 ID，由 sourceOrderId 确定性生成（UUID v5）。
// 重启后重试同一源订单时券商据此去重。
func CorrelationID(sourceOrderID string) string {
	id := uuid.NewSHA1(correlationNamespace, []byte(sourceOrderID))
	return strings.ReplaceAll(id.String(), "-", "")[:correlationIDLen]
}
