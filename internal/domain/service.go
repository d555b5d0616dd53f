package domain

import "fmt"

// maxServiceNameLength 服务名称最大长度（与 DNS label 一致）
const maxServiceNameLength = 63

// ValidateServiceName 校验 Stop 调用携带的服务名称。
// 规则：1 到 63 个字符，仅包含小写字母、数字和连字符，且不能以连字符开头或结尾。
func ValidateServiceName(name string) error {
	if name == "" || len(name) > maxServiceNameLength {
		return fmt.Errorf("%w: %q must be between 1 and %d characters", ErrInvalidServiceName, name, maxServiceNameLength)
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return fmt.Errorf("%w: %q must not start or end with a hyphen", ErrInvalidServiceName, name)
	}
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidServiceName, name, c)
	}
	return nil
}
