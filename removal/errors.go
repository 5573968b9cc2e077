package removal

import (
	"errors"
	"net/http"

	nhttp "github.com/chaos-io/rembg-api/util/http"
)

// Kind 错误类型，决定 HTTP 状态码
type Kind int

const (
	ProcessingFailure Kind = iota
	MissingInput
	SaveFailure
	DownloadFailure
)

func (k Kind) String() string {
	switch k {
	case MissingInput:
		return "missing_input"
	case SaveFailure:
		return "save_failure"
	case DownloadFailure:
		return "download_failure"
	default:
		return "processing_failure"
	}
}

// Status 错误类型到 HTTP 状态码的唯一映射
func (k Kind) Status() int {
	if k == MissingInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

const (
	msgMissingInput = "no file or url provided in the request"
	msgSave         = "could not save the file"
	msgDownload     = "failed to download image"
	msgProcessing   = "an error occurred while processing the image"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 使用该类型的标准错误信息
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: kind.message(), Err: err}
}

func (k Kind) message() string {
	switch k {
	case MissingInput:
		return msgMissingInput
	case SaveFailure:
		return msgSave
	case DownloadFailure:
		return msgDownload
	default:
		return msgProcessing
	}
}

// KindOf 未知错误按 ProcessingFailure 处理
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ProcessingFailure
}

// PublicMessage 返回给客户端的错误信息，处理失败只返回通用信息
// 上游响应体不返回给客户端，只保留状态码
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == ProcessingFailure {
		return msgProcessing
	}
	var se *nhttp.StatusError
	if errors.As(e.Err, &se) {
		return e.Msg + ": " + se.Status()
	}
	return e.Error()
}
