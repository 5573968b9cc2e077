package http

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBodyTooLarge 响应体超过 RequestParam.MaxBodyBytes
var ErrBodyTooLarge = errors.New("response body too large")

// StatusError 非 2xx 响应；Body 是截断后的响应体，只用于日志
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return e.Status() + ": " + e.Body
}

// Status 不含响应体的描述
func (e *StatusError) Status() string {
	return fmt.Sprintf("HTTP request failed with status %d", e.StatusCode)
}

//go:generate mockgen -destination=mocks/http.go -package=mocks . IClient
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 描述一次请求
//
//	Body: nil、io.Reader、[]byte 原样发送，其他类型按 JSON 序列化
//	Response: nil 丢弃响应体，*[]byte 保存原始字节，其他类型按 JSON 反序列化
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Body       interface{}
	Response   interface{}

	Timeout      time.Duration
	MaxBodyBytes int64
}
