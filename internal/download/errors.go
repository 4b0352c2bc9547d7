package download

import (
	"fmt"
	"strings"
)

// NetworkError 表示 HEAD/GET/分片请求失败，缓存层不会自动重试。
type NetworkError struct {
	URL    string
	Range  string
	Status string
	Err    error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString("download ")
	b.WriteString(e.URL)
	if e.Range != "" {
		b.WriteString(" range ")
		b.WriteString(e.Range)
	}
	b.WriteString(" failed")
	if e.Status != "" {
		b.WriteString(": ")
		b.WriteString(e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AssemblyError 表示拼接后的长度与预期不一致，此时不会写入缓存。
type AssemblyError struct {
	URL      string
	Expected int64
	Got      int64
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("download %s: assembled %d bytes, expected %d", e.URL, e.Got, e.Expected)
}
