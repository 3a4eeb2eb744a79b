// Package hostlist 展开 SLURM 的压缩节点列表, 例如 "node[01-03],gpu07"
package hostlist

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxHosts 一次展开的上限, 防止 "n[0-99999999]" 这种输入把内存打爆
const MaxHosts = 1 << 20

// SyntaxError 压缩格式不合法
type SyntaxError struct {
	Input  string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("hostlist %q: %s at offset %d", e.Input, e.Msg, e.Offset)
}

// Expand 把压缩格式展开成有序的主机名列表
// 支持:
//   - 逗号分隔的多个条目 "a,b"
//   - 范围和列表 "node[01-03,07]", 位宽按下界的字符数补零
//   - 一个条目里多个方括号 "r[1-2]n[1-2]", 左边的变化最慢
func Expand(input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, &SyntaxError{Input: input, Msg: "empty node list"}
	}

	entries, err := splitTopLevel(input)
	if err != nil {
		return nil, err
	}

	hosts := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.text == "" {
			return nil, &SyntaxError{Input: input, Offset: entry.offset, Msg: "empty entry"}
		}
		expanded, err := expandEntry(input, entry)
		if err != nil {
			return nil, err
		}
		if len(hosts)+len(expanded) > MaxHosts {
			return nil, &SyntaxError{Input: input, Offset: entry.offset, Msg: fmt.Sprintf("expands to more than %d hosts", MaxHosts)}
		}
		hosts = append(hosts, expanded...)
	}
	return hosts, nil
}

type entry struct {
	text   string
	offset int
}

// splitTopLevel 只在方括号外面按逗号切分
func splitTopLevel(input string) ([]entry, error) {
	var (
		entries []entry
		depth   int
		start   int
	)
	for i, r := range input {
		switch r {
		case '[':
			if depth > 0 {
				return nil, &SyntaxError{Input: input, Offset: i, Msg: "nested '['"}
			}
			depth++
		case ']':
			if depth == 0 {
				return nil, &SyntaxError{Input: input, Offset: i, Msg: "unmatched ']'"}
			}
			depth--
		case ',':
			if depth == 0 {
				entries = append(entries, entry{text: input[start:i], offset: start})
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, &SyntaxError{Input: input, Offset: len(input), Msg: "unterminated '['"}
	}
	entries = append(entries, entry{text: input[start:], offset: start})
	return entries, nil
}

// expandEntry 展开单个条目 (可能含多个方括号组)
func expandEntry(input string, e entry) ([]string, error) {
	results := []string{""}
	text := e.text
	pos := 0
	for pos < len(text) {
		open := strings.IndexByte(text[pos:], '[')
		if open < 0 {
			results = appendSuffix(results, text[pos:])
			break
		}
		open += pos
		results = appendSuffix(results, text[pos:open])

		// splitTopLevel 已经保证了括号成对
		close := strings.IndexByte(text[open:], ']') + open
		values, err := expandGroup(input, e.offset+open+1, text[open+1:close])
		if err != nil {
			return nil, err
		}
		if len(results)*len(values) > MaxHosts {
			return nil, &SyntaxError{Input: input, Offset: e.offset + open, Msg: fmt.Sprintf("expands to more than %d hosts", MaxHosts)}
		}
		next := make([]string, 0, len(results)*len(values))
		for _, prefix := range results {
			for _, v := range values {
				next = append(next, prefix+v)
			}
		}
		results = next
		pos = close + 1
	}
	return results, nil
}

func appendSuffix(prefixes []string, suffix string) []string {
	if suffix == "" {
		return prefixes
	}
	for i := range prefixes {
		prefixes[i] += suffix
	}
	return prefixes
}

// expandGroup 展开方括号里的内容 "01-03,07"
func expandGroup(input string, offset int, group string) ([]string, error) {
	if group == "" {
		return nil, &SyntaxError{Input: input, Offset: offset, Msg: "empty range"}
	}
	var values []string
	itemOffset := offset
	for _, item := range strings.Split(group, ",") {
		if item == "" {
			return nil, &SyntaxError{Input: input, Offset: itemOffset, Msg: "empty range item"}
		}
		loStr, hiStr, isRange := strings.Cut(item, "-")
		lo, err := parseBound(loStr)
		if err != nil {
			return nil, &SyntaxError{Input: input, Offset: itemOffset, Msg: err.Error()}
		}
		hi := lo
		if isRange {
			if hi, err = parseBound(hiStr); err != nil {
				return nil, &SyntaxError{Input: input, Offset: itemOffset + len(loStr) + 1, Msg: err.Error()}
			}
			if hi < lo {
				return nil, &SyntaxError{Input: input, Offset: itemOffset, Msg: fmt.Sprintf("descending range %q", item)}
			}
		}
		// hi-lo+1 在 hi 接近 MaxInt 时会溢出, 先比较差值
		if hi-lo >= MaxHosts-len(values) {
			return nil, &SyntaxError{Input: input, Offset: itemOffset, Msg: fmt.Sprintf("expands to more than %d hosts", MaxHosts)}
		}
		width := len(loStr)
		for n := lo; n <= hi; n++ {
			values = append(values, fmt.Sprintf("%0*d", width, n))
		}
		itemOffset += len(item) + 1
	}
	return values, nil
}

func parseBound(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("missing range bound")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-numeric range bound %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("range bound %q: %v", s, err)
	}
	return n, nil
}
