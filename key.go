/*
Copyright 2022 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package amari

import (
	"fmt"
	"strconv"
	"strings"
)

// CacheKey identifies the result of one logical call.
type CacheKey string

const keySeparator = "\x1f"

// NewCacheKey builds a key from an operation name followed by its
// significant arguments. Arguments keep the order they are passed in, so
// every call site must pass them in a fixed order. Strings are quoted, id
// slices are expanded element by element and nil is encoded distinctly
// from zero.
func NewCacheKey(operation string, args ...interface{}) CacheKey {
	var b strings.Builder
	b.WriteString(operation)
	for _, arg := range args {
		b.WriteString(keySeparator)
		writeKeyArg(&b, arg)
	}
	return CacheKey(b.String())
}

func writeKeyArg(b *strings.Builder, arg interface{}) {
	switch v := arg.(type) {
	case nil:
		b.WriteString("<nil>")
	case string:
		b.WriteString(strconv.Quote(v))
	case []uint64:
		b.WriteByte('[')
		for i, id := range v {
			if i != 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatUint(id, 10))
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

// Operation returns the operation name the key was built from.
func (k CacheKey) Operation() string {
	if i := strings.Index(string(k), keySeparator); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}
