package cerr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"buf.build/gen/go/bufbuild/protovalidate/protocolbuffers/go/buf/validate"
	"google.golang.org/protobuf/proto"

	"github.com/kazz187/specguild/pkg/clog"
)

type Error struct {
	Code    Code
	Msg     string          // returned to the caller together with Code
	Err     error           // logged, never returned
	Stack   string          // captured for error level codes
	Details []proto.Message // structured details returned to the caller
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.CodeToLevel(code.ConnectCode()) >= slog.LevelError {
		buf := make([]byte, 2048)
		n := runtime.Stack(buf, false)
		err.Stack = string(buf[:n])
	}
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail appends a violation detail. ruleID may be empty.
func (e *Error) WithDetail(msg, ruleID string) *Error {
	v := &validate.Violation{Message: proto.String(msg)}
	if ruleID != "" {
		v.RuleId = proto.String(ruleID)
	}
	e.Details = append(e.Details, v)
	return e
}

// DetailMessages returns the detail messages keyed by rule id.
func (e *Error) DetailMessages() map[string]string {
	out := make(map[string]string, len(e.Details))
	for _, d := range e.Details {
		v, ok := d.(*validate.Violation)
		if !ok {
			continue
		}
		out[v.GetRuleId()] = v.GetMessage()
	}
	return out
}

func IsCode(err error, code Code) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Unknown
}
