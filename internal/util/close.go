package util

import (
	"io"
	"reflect"
)

// CloseWithErr closes c and logs a failure under the given resource name.
// Nil closers, including typed nil pointers, are ignored.
func CloseWithErr(c io.Closer, resource string) {
	if c == nil {
		return
	}
	if v := reflect.ValueOf(c); v.Kind() == reflect.Pointer && v.IsNil() {
		return
	}
	err := c.Close()
	if err == nil {
		return
	}
	if resource == "" {
		resource = "resource"
	}
	l := current()
	l.Warn().Err(err).Str("resource", resource).Msg("close failed")
}
