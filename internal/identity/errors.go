package identity

import "fmt"

// TopologyParseError 拓扑输入缺失/格式错误/前后矛盾
// 作业的拓扑在整个生命周期内不变, 所以这个错误是致命的, 不重试
type TopologyParseError struct {
	Field string // 出问题的环境变量, 或 "topology" 表示整体不一致
	Value string
	Err   error
}

func (e *TopologyParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("topology: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("topology: %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *TopologyParseError) Unwrap() error { return e.Err }
func (e *TopologyParseError) Cause() error  { return e.Err }

func parseErr(field, value string, err error) error {
	return &TopologyParseError{Field: field, Value: value, Err: err}
}
