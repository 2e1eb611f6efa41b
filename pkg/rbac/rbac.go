package rbac

// 权限常量
const (
	// 普通操作权限
	PermissionCreateTask     = "task:create"
	PermissionReadTask       = "task:read"
	PermissionUpdateTask     = "task:update"
	PermissionBulkUpdateTask = "task:bulk_update"

	// 敏感操作权限
	PermissionBulkDeleteTask  = "task:bulk_delete"
	PermissionReadAnyTask     = "task:read_any"
	PermissionReplayOutbox    = "outbox:replay"
	PermissionReadOutboxStats = "outbox:stats"
)

// 角色常量
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionCreateTask,
		PermissionReadTask,
		PermissionUpdateTask,
		PermissionBulkUpdateTask,
	},
	RoleAdmin: {
		PermissionCreateTask,
		PermissionReadTask,
		PermissionUpdateTask,
		PermissionBulkUpdateTask,
		PermissionBulkDeleteTask,
		PermissionReadAnyTask,
		PermissionReplayOutbox,
		PermissionReadOutboxStats,
	},
}

// ValidRole 判断角色是否存在
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查用户是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
