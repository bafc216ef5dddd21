package xmlscope

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDocument XML 无法解析
	ErrMalformedDocument = errors.New("malformed xml document")

	// ErrEmptyPath 元素路径为空
	ErrEmptyPath = errors.New("element path is empty")
)

// MalformedDocumentError 携带出错位置（字节偏移）的解析错误
type MalformedDocumentError struct {
	Offset int64
	Err    error
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed xml document at offset %d: %v", e.Offset, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrMalformedDocument) 成立
func (e *MalformedDocumentError) Is(target error) bool {
	return target == ErrMalformedDocument
}
